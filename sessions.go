package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SessionStore persists session state. UpdateSession must apply fn atomically with respect
// to other updates of the same session and persist the result only when fn returns nil.
type SessionStore interface {
	CreateSession(ctx context.Context, state SessionState) error
	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (SessionState, error)
	UpdateSession(ctx context.Context, id string, fn func(*SessionState) error) (SessionState, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]SessionState, error)
}

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	Statuses      []SessionStatus
	UpdatedBefore time.Time
}

// Store bundles every persistence concern of the server. MemoryStore and sqlstore.Store
// implement it.
type Store interface {
	SessionStore
	MessageLog
	EventStore
	TaskStore
}

// sessionManager resolves sessions through a short lived read-through cache. Every write
// goes to the store first and then refreshes the cache, so a process only serves stale
// state written by other processes sharing the same store, for at most the cache TTL.
type sessionManager struct {
	store  SessionStore
	broker Broker
	cache  *expirable.LRU[string, SessionState]
	logger *slog.Logger
	now    func() time.Time

	onClose func(SessionState)
}

const (
	sessionCacheSize = 1024
	sessionCacheTTL  = 5 * time.Second
)

func newSessionManager(store SessionStore, broker Broker, logger *slog.Logger) *sessionManager {
	return &sessionManager{
		store:  store,
		broker: broker,
		cache:  expirable.NewLRU[string, SessionState](sessionCacheSize, nil, sessionCacheTTL),
		logger: logger,
		now:    time.Now,
	}
}

func (m *sessionManager) create(ctx context.Context, role SessionRole) (SessionState, error) {
	state := newSessionState(uuid.NewString(), role, m.now())
	if err := m.store.CreateSession(ctx, state); err != nil {
		return SessionState{}, fmt.Errorf("failed to create session: %w", err)
	}
	m.cache.Add(state.ID, state)
	return state, nil
}

func (m *sessionManager) get(ctx context.Context, id string) (SessionState, error) {
	if state, ok := m.cache.Get(id); ok {
		return state, nil
	}
	state, err := m.store.GetSession(ctx, id)
	if err != nil {
		return SessionState{}, err
	}
	m.cache.Add(id, state)
	return state, nil
}

// resolve returns the session for traffic carrying id. An empty id is ErrSessionRequired,
// an unknown id ErrSessionNotFound and a terminated session ErrSessionClosed. It reads the
// store, not the cache, since another process sharing the store may have closed the session.
func (m *sessionManager) resolve(ctx context.Context, id string) (SessionState, error) {
	if id == "" {
		return SessionState{}, ErrSessionRequired
	}
	state, err := m.store.GetSession(ctx, id)
	if err != nil {
		return SessionState{}, err
	}
	m.cache.Add(id, state)
	if state.Closed() {
		return SessionState{}, ErrSessionClosed
	}
	return state, nil
}

func (m *sessionManager) update(ctx context.Context, id string, fn func(*SessionState) error) (SessionState, error) {
	state, err := m.store.UpdateSession(ctx, id, fn)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			m.cache.Remove(id)
		}
		return SessionState{}, err
	}
	m.cache.Add(id, state)
	return state, nil
}

// close terminates the session. It reports whether this call did the transition; closing a
// closed session succeeds and reports false. The fan-out subscription is removed
// synchronously, which ends any stream serving the session.
func (m *sessionManager) close(ctx context.Context, id string) (SessionState, bool, error) {
	var changed bool
	state, err := m.update(ctx, id, func(s *SessionState) error {
		changed = s.close(m.now())
		return nil
	})
	if err != nil {
		return SessionState{}, false, err
	}
	m.broker.Unsubscribe(id)
	if changed {
		m.logger.Info("session closed", slog.String("sessionID", id))
		if m.onClose != nil {
			m.onClose(state)
		}
	}
	return state, changed, nil
}

func (m *sessionManager) touch(ctx context.Context, id string) {
	if _, err := m.update(ctx, id, func(s *SessionState) error {
		s.touch(m.now())
		return nil
	}); err != nil {
		m.logger.Warn("failed to touch session", slog.String("sessionID", id), slog.String("err", err.Error()))
	}
}

// expire closes every open session idle for longer than idle and returns how many it closed.
func (m *sessionManager) expire(ctx context.Context, idle time.Duration) (int, error) {
	states, err := m.store.ListSessions(ctx, SessionFilter{
		Statuses:      []SessionStatus{SessionPreInitialize, SessionInitialized},
		UpdatedBefore: m.now().Add(-idle),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	closed := 0
	for _, state := range states {
		if _, changed, err := m.close(ctx, state.ID); err != nil {
			m.logger.Warn("failed to expire session",
				slog.String("sessionID", state.ID), slog.String("err", err.Error()))
			continue
		} else if changed {
			closed++
		}
	}
	return closed, nil
}

// open lists sessions that completed the handshake and are not closed.
func (m *sessionManager) open(ctx context.Context) ([]SessionState, error) {
	return m.store.ListSessions(ctx, SessionFilter{Statuses: []SessionStatus{SessionInitialized}})
}
