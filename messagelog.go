package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction tells which peer wrote a logged message.
type Direction string

// Direction values.
const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
)

// Message is one row of the message log. Rows are immutable except for Acknowledged, which
// flips to true when a response with the same JSONRPCID is recorded in the other direction.
type Message struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Direction    Direction       `json:"direction"`
	Type         MessageType     `json:"type"`
	JSONRPCID    string          `json:"jsonrpcId,omitempty"`
	Method       string          `json:"method,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	IsPing       bool            `json:"isPing"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// MessageLog is the append-only, session scoped record of every wire object.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg Message) error
	// AcknowledgeRequest flips Acknowledged on the most recent unacknowledged request written
	// in direction dir with the given id, and returns it. ok is false when no such request
	// exists.
	AcknowledgeRequest(ctx context.Context, sessionID string, dir Direction, jsonrpcID string) (Message, bool, error)
	// ListMessages returns the messages of a session ordered by creation.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// MessageRecorder classifies wire objects and writes them to a MessageLog, correlating
// responses with the requests they answer.
type MessageRecorder struct {
	log MessageLog
	now func() time.Time
}

// NewMessageRecorder returns a MessageRecorder writing to log.
func NewMessageRecorder(log MessageLog) MessageRecorder {
	return MessageRecorder{log: log, now: time.Now}
}

// Record logs msg as written by dir. A response or error acknowledges the request with the
// same id written by the other peer and inherits its ping flag, so a ping and its pong are
// both marked as pings.
func (r MessageRecorder) Record(ctx context.Context, sessionID string, dir Direction, msg JSONRPCMessage) (Message, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	m := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: dir,
		Type:      msg.Type(),
		Method:    msg.Method,
		Payload:   payload,
		IsPing:    msg.Method == MethodPing,
		CreatedAt: r.now(),
	}
	if !msg.ID.IsZero() && !msg.ID.IsNull() {
		m.JSONRPCID = msg.ID.String()
	}

	if (m.Type == MessageTypeResponse || m.Type == MessageTypeError) && m.JSONRPCID != "" {
		req, ok, err := r.log.AcknowledgeRequest(ctx, sessionID, dir.opposite(), m.JSONRPCID)
		if err != nil {
			return Message{}, fmt.Errorf("failed to acknowledge request: %w", err)
		}
		if ok && req.IsPing {
			m.IsPing = true
		}
	}

	if err := r.log.AppendMessage(ctx, m); err != nil {
		return Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return m, nil
}

func (d Direction) opposite() Direction {
	if d == DirectionClient {
		return DirectionServer
	}
	return DirectionClient
}
