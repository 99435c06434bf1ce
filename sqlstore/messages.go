package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

const messageColumns = `id, session_id, direction, type, jsonrpc_id, method, payload, is_ping, acknowledged, created_at`

// AppendMessage implements mcp.MessageLog.
func (s *Store) AppendMessage(ctx context.Context, msg mcp.Message) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionID, string(msg.Direction), string(msg.Type), msg.JSONRPCID, msg.Method,
		string(msg.Payload), boolInt(msg.IsPing), boolInt(msg.Acknowledged), unixNano(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// AcknowledgeRequest implements mcp.MessageLog.
func (s *Store) AcknowledgeRequest(
	ctx context.Context,
	sessionID string,
	dir mcp.Direction,
	jsonrpcID string,
) (mcp.Message, bool, error) {
	var (
		msg mcp.Message
		ok  bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM messages
			WHERE session_id = ? AND direction = ? AND jsonrpc_id = ? AND type = ? AND acknowledged = 0
			ORDER BY created_at DESC LIMIT 1`+s.forUpdate()),
			sessionID, string(dir), jsonrpcID, string(mcp.MessageTypeRequest))
		var err error
		msg, err = scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind("UPDATE messages SET acknowledged = 1 WHERE id = ?"), msg.ID); err != nil {
			return fmt.Errorf("failed to acknowledge message: %w", err)
		}
		msg.Acknowledged = true
		ok = true
		return nil
	})
	if err != nil {
		return mcp.Message{}, false, err
	}
	return msg, ok, nil
}

// ListMessages implements mcp.MessageLog.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]mcp.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? ORDER BY created_at, id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var res []mcp.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, msg)
	}
	return res, rows.Err()
}

func scanMessage(row scanner) (mcp.Message, error) {
	var (
		msg               mcp.Message
		dir, typ, payload string
		isPing, acked     int
		createdAt         int64
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &dir, &typ, &msg.JSONRPCID, &msg.Method, &payload,
		&isPing, &acked, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mcp.Message{}, err
		}
		return mcp.Message{}, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Direction = mcp.Direction(dir)
	msg.Type = mcp.MessageType(typ)
	msg.Payload = []byte(payload)
	msg.IsPing = isPing != 0
	msg.Acknowledged = acked != 0
	msg.CreatedAt = fromUnixNano(createdAt)
	return msg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
