package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

// CreateTask implements mcp.TaskStore.
func (s *Store) CreateTask(ctx context.Context, task mcp.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO tasks
		(id, session_id, status, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		task.ID, task.SessionID, string(task.Status), string(data),
		unixNano(task.CreatedAt), unixNano(task.LastUpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask implements mcp.TaskStore.
func (s *Store) GetTask(ctx context.Context, id string) (mcp.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, s.rebind("SELECT state FROM tasks WHERE id = ?"), id))
}

// UpdateTask implements mcp.TaskStore.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*mcp.Task) bool) (mcp.Task, bool, error) {
	var (
		task    mcp.Task
		changed bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = scanTask(tx.QueryRowContext(ctx, s.rebind("SELECT state FROM tasks WHERE id = ?"+s.forUpdate()), id))
		if err != nil {
			return err
		}
		updated := task
		if !fn(&updated) {
			return nil
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind("UPDATE tasks SET status = ?, state = ?, updated_at = ? WHERE id = ?"),
			string(updated.Status), string(data), unixNano(updated.LastUpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		task, changed = updated, true
		return nil
	})
	if err != nil {
		return mcp.Task{}, false, err
	}
	return task, changed, nil
}

// ListTasks implements mcp.TaskStore.
func (s *Store) ListTasks(ctx context.Context, filter mcp.TaskFilter) ([]mcp.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	query := "SELECT state FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var res []mcp.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, task)
	}
	return res, rows.Err()
}

func scanTask(row scanner) (mcp.Task, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mcp.Task{}, mcp.ErrTaskNotFound
		}
		return mcp.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}
	var task mcp.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return mcp.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return task, nil
}
