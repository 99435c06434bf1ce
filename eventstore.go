package mcp

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one pushed payload of a session. IDs start at 1 and grow by one per append;
// a client resuming a stream presents the last id it saw.
type Event struct {
	SessionID string          `json:"sessionId"`
	ID        int64           `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventStore keeps the outbound events of every session for replay. Events are never
// mutated and are removed by age only.
type EventStore interface {
	// AppendEvent claims the next id of the session and stores data under it. The increment
	// and the insert are atomic, so concurrent appends never share an id. It fails with
	// ErrSessionNotFound or ErrSessionClosed when the session cannot take new events.
	AppendEvent(ctx context.Context, sessionID string, data json.RawMessage) (Event, error)
	// EventsAfter returns the events of the session with an id larger than after, in order.
	EventsAfter(ctx context.Context, sessionID string, after int64) ([]Event, error)
	// DeleteEventsBefore removes events created before t and returns how many were removed.
	DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error)
}
