package mcp

import (
	"context"
	"sync"
)

// Broker routes pushed events to whichever stream currently serves a session. A session has
// at most one subscriber; a new subscription replaces the previous one and closes its channel.
type Broker interface {
	// Subscribe registers the caller as the stream of the session. The returned function
	// removes the subscription if it is still the current one.
	Subscribe(sessionID string) (<-chan Event, func())
	// Publish delivers ev to the subscriber of its session, if any. Delivery is best effort:
	// streams detect gaps in event ids and backfill from the EventStore.
	Publish(ctx context.Context, ev Event) error
	// Unsubscribe removes and closes the subscription of the session.
	Unsubscribe(sessionID string)
}

// MemoryBroker is a Broker for a single process.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	buffer int
}

type subscription struct {
	events chan Event
}

const defaultBrokerBuffer = 64

// NewMemoryBroker returns a MemoryBroker whose subscriber channels hold up to buffer events.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = defaultBrokerBuffer
	}
	return &MemoryBroker{
		subs:   make(map[string]*subscription),
		buffer: buffer,
	}
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[sessionID]; ok {
		close(old.events)
	}
	sub := &subscription{events: make(chan Event, b.buffer)}
	b.subs[sessionID] = sub

	return sub.events, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.subs[sessionID] == sub {
			delete(b.subs, sessionID)
			close(sub.events)
		}
	}
}

// Publish implements Broker. It never blocks: an event that does not fit the subscriber's
// buffer is dropped and recovered by the stream's backfill.
func (b *MemoryBroker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[ev.SessionID]
	if !ok {
		return nil
	}
	select {
	case sub.events <- ev:
	default:
	}
	return nil
}

// Unsubscribe implements Broker.
func (b *MemoryBroker) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[sessionID]; ok {
		delete(b.subs, sessionID)
		close(sub.events)
	}
}

// Subscribed reports whether a stream currently serves the session.
func (b *MemoryBroker) Subscribed(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.subs[sessionID]
	return ok
}
