package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

// AppendEvent implements mcp.EventStore. The session row lock serializes concurrent appends
// to the same session, so ids never collide or skip.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, data json.RawMessage) (mcp.Event, error) {
	ev := mcp.Event{
		SessionID: sessionID,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: s.now(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		row := tx.QueryRowContext(ctx,
			s.rebind("SELECT status, event_counter FROM sessions WHERE id = ?"+s.forUpdate()), sessionID)
		if err := row.Scan(&status, &ev.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return mcp.ErrSessionNotFound
			}
			return fmt.Errorf("failed to read event counter: %w", err)
		}
		if mcp.SessionStatus(status) == mcp.SessionClosed {
			return mcp.ErrSessionClosed
		}
		ev.ID++

		if _, err := tx.ExecContext(ctx, s.rebind("UPDATE sessions SET event_counter = ? WHERE id = ?"),
			ev.ID, sessionID); err != nil {
			return fmt.Errorf("failed to advance event counter: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind("INSERT INTO events (session_id, event_id, data, created_at) VALUES (?, ?, ?, ?)"),
			sessionID, ev.ID, string(ev.Data), unixNano(ev.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return mcp.Event{}, err
	}
	return ev, nil
}

// EventsAfter implements mcp.EventStore.
func (s *Store) EventsAfter(ctx context.Context, sessionID string, after int64) ([]mcp.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT event_id, data, created_at FROM events
		WHERE session_id = ? AND event_id > ? ORDER BY event_id`), sessionID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var res []mcp.Event
	for rows.Next() {
		var (
			data      string
			createdAt int64
		)
		ev := mcp.Event{SessionID: sessionID}
		if err := rows.Scan(&ev.ID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		ev.CreatedAt = fromUnixNano(createdAt)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// DeleteEventsBefore implements mcp.EventStore.
func (s *Store) DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM events WHERE created_at < ?"), unixNano(t))
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}
