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

// CreateSession implements mcp.SessionStore.
func (s *Store) CreateSession(ctx context.Context, state mcp.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO sessions
		(id, status, event_counter, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		state.ID, string(state.Status), state.EventCounter, string(data),
		unixNano(state.CreatedAt), unixNano(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession implements mcp.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (mcp.SessionState, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT state, event_counter FROM sessions WHERE id = ?"), id)
	return scanSession(row)
}

// UpdateSession implements mcp.SessionStore.
func (s *Store) UpdateSession(
	ctx context.Context,
	id string,
	fn func(*mcp.SessionState) error,
) (mcp.SessionState, error) {
	var state mcp.SessionState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			s.rebind("SELECT state, event_counter FROM sessions WHERE id = ?"+s.forUpdate()), id)
		var err error
		state, err = scanSession(row)
		if err != nil {
			return err
		}
		if err := fn(&state); err != nil {
			return err
		}
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		// event_counter is owned by AppendEvent.
		_, err = tx.ExecContext(ctx, s.rebind("UPDATE sessions SET status = ?, state = ?, updated_at = ? WHERE id = ?"),
			string(state.Status), string(data), unixNano(state.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return nil
	})
	if err != nil {
		return mcp.SessionState{}, err
	}
	return state, nil
}

// ListSessions implements mcp.SessionStore.
func (s *Store) ListSessions(ctx context.Context, filter mcp.SessionFilter) ([]mcp.SessionState, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, unixNano(filter.UpdatedBefore))
	}

	query := "SELECT state, event_counter FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var res []mcp.SessionState
	for rows.Next() {
		state, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, state)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (mcp.SessionState, error) {
	var (
		data    string
		counter int64
	)
	if err := row.Scan(&data, &counter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mcp.SessionState{}, mcp.ErrSessionNotFound
		}
		return mcp.SessionState{}, fmt.Errorf("failed to scan session: %w", err)
	}
	var state mcp.SessionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return mcp.SessionState{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	state.EventCounter = counter
	return state, nil
}
