package mcp

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. A single mutex linearizes every write, which
// gives the per-session atomicity the server needs. State is lost on restart; use sqlstore
// for durable deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]SessionState
	messages map[string][]Message
	events   map[string][]Event
	tasks    map[string]Task
	taskIDs  []string

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionState),
		messages: make(map[string][]Message),
		events:   make(map[string][]Event),
		tasks:    make(map[string]Task),
		now:      time.Now,
	}
}

// CreateSession implements SessionStore.
func (m *MemoryStore) CreateSession(_ context.Context, state SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[state.ID] = cloneSession(state)
	return nil
}

// GetSession implements SessionStore.
func (m *MemoryStore) GetSession(_ context.Context, id string) (SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	return cloneSession(state), nil
}

// UpdateSession implements SessionStore.
func (m *MemoryStore) UpdateSession(_ context.Context, id string, fn func(*SessionState) error) (SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	state = cloneSession(state)
	if err := fn(&state); err != nil {
		return SessionState{}, err
	}
	m.sessions[id] = state
	return cloneSession(state), nil
}

// ListSessions implements SessionStore.
func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []SessionState
	for _, state := range m.sessions {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, state.Status) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !state.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		res = append(res, cloneSession(state))
	}
	slices.SortFunc(res, func(a, b SessionState) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return res, nil
}

// AppendMessage implements MessageLog.
func (m *MemoryStore) AppendMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

// AcknowledgeRequest implements MessageLog.
func (m *MemoryStore) AcknowledgeRequest(
	_ context.Context,
	sessionID string,
	dir Direction,
	jsonrpcID string,
) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Type != MessageTypeRequest || msg.Direction != dir || msg.JSONRPCID != jsonrpcID || msg.Acknowledged {
			continue
		}
		msgs[i].Acknowledged = true
		return msgs[i], true, nil
	}
	return Message{}, false, nil
}

// ListMessages implements MessageLog.
func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.messages[sessionID]), nil
}

// AppendEvent implements EventStore.
func (m *MemoryStore) AppendEvent(_ context.Context, sessionID string, data json.RawMessage) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return Event{}, ErrSessionNotFound
	}
	if state.Closed() {
		return Event{}, ErrSessionClosed
	}
	state.EventCounter++
	m.sessions[sessionID] = state

	ev := Event{
		SessionID: sessionID,
		ID:        state.EventCounter,
		Data:      slices.Clone(data),
		CreatedAt: m.now(),
	}
	m.events[sessionID] = append(m.events[sessionID], ev)
	return ev, nil
}

// EventsAfter implements EventStore.
func (m *MemoryStore) EventsAfter(_ context.Context, sessionID string, after int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []Event
	for _, ev := range m.events[sessionID] {
		if ev.ID > after {
			res = append(res, ev)
		}
	}
	return res, nil
}

// DeleteEventsBefore implements EventStore.
func (m *MemoryStore) DeleteEventsBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for sessionID, evs := range m.events {
		kept := slices.DeleteFunc(evs, func(ev Event) bool { return ev.CreatedAt.Before(t) })
		deleted += int64(len(evs) - len(kept))
		if len(kept) == 0 {
			delete(m.events, sessionID)
			continue
		}
		m.events[sessionID] = kept
	}
	return deleted, nil
}

// CreateTask implements TaskStore.
func (m *MemoryStore) CreateTask(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		m.taskIDs = append(m.taskIDs, task.ID)
	}
	m.tasks[task.ID] = task
	return nil
}

// GetTask implements TaskStore.
func (m *MemoryStore) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

// UpdateTask implements TaskStore.
func (m *MemoryStore) UpdateTask(_ context.Context, id string, fn func(*Task) bool) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return Task{}, false, ErrTaskNotFound
	}
	if !fn(&task) {
		return m.tasks[id], false, nil
	}
	m.tasks[id] = task
	return task, true, nil
}

// ListTasks implements TaskStore.
func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []Task
	for _, id := range m.taskIDs {
		task := m.tasks[id]
		if filter.SessionID != "" && task.SessionID != filter.SessionID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, task.Status) {
			continue
		}
		res = append(res, task)
	}
	return res, nil
}

func cloneSession(s SessionState) SessionState {
	s.EnabledTools = slices.Clone(s.EnabledTools)
	s.EnabledPrompts = slices.Clone(s.EnabledPrompts)
	s.EnabledResources = slices.Clone(s.EnabledResources)
	s.Subscriptions = slices.Clone(s.Subscriptions)
	return s
}
