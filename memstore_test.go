package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

func newStoreWithSessions(t *testing.T, ids ...string) *mcp.MemoryStore {
	t.Helper()

	store := mcp.NewMemoryStore()
	for _, id := range ids {
		now := time.Now()
		err := store.CreateSession(context.Background(), mcp.SessionState{
			ID:        id,
			Status:    mcp.SessionPreInitialize,
			Role:      mcp.SessionRoleServer,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("failed to create session %s: %v", id, err)
		}
	}
	return store
}

func TestMemoryStoreEventIDs(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithSessions(t, "a", "b")

	for i := 1; i <= 5; i++ {
		ev, err := store.AppendEvent(ctx, "a", json.RawMessage(`{"n":1}`))
		if err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if ev.ID != int64(i) {
			t.Errorf("event %d of session a got id %d", i, ev.ID)
		}
	}
	ev, err := store.AppendEvent(ctx, "b", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if ev.ID != 1 {
		t.Errorf("first event of session b got id %d, want 1", ev.ID)
	}

	replay, err := store.EventsAfter(ctx, "a", 2)
	if err != nil {
		t.Fatalf("failed to replay events: %v", err)
	}
	var ids []int64
	for _, ev := range replay {
		ids = append(ids, ev.ID)
	}
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 4 || ids[2] != 5 {
		t.Errorf("EventsAfter(2) returned ids %v, want [3 4 5]", ids)
	}

	state, err := store.GetSession(ctx, "a")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if state.EventCounter != 5 {
		t.Errorf("EventCounter = %d, want 5", state.EventCounter)
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithSessions(t, "a")

	const n = 50
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := store.AppendEvent(ctx, "a", json.RawMessage(`{}`))
			if err != nil {
				t.Errorf("failed to append event: %v", err)
				return
			}
			ids <- ev.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("event id %d claimed twice", id)
		}
		seen[id] = true
	}
	for id := int64(1); id <= n; id++ {
		if !seen[id] {
			t.Errorf("event id %d was never claimed", id)
		}
	}
}

func TestMemoryStoreRejectsEventsOfUnavailableSessions(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithSessions(t, "a")

	if _, err := store.AppendEvent(ctx, "missing", nil); !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("AppendEvent() on unknown session error = %v, want %v", err, mcp.ErrSessionNotFound)
	}

	_, err := store.UpdateSession(ctx, "a", func(s *mcp.SessionState) error {
		s.Status = mcp.SessionClosed
		return nil
	})
	if err != nil {
		t.Fatalf("failed to close session: %v", err)
	}
	if _, err := store.AppendEvent(ctx, "a", nil); !errors.Is(err, mcp.ErrSessionClosed) {
		t.Errorf("AppendEvent() on closed session error = %v, want %v", err, mcp.ErrSessionClosed)
	}
}

func TestMemoryStoreDeleteEventsBefore(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithSessions(t, "a")

	for range 3 {
		if _, err := store.AppendEvent(ctx, "a", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}
	n, err := store.DeleteEventsBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to delete events: %v", err)
	}
	if n != 3 {
		t.Errorf("DeleteEventsBefore() removed %d events, want 3", n)
	}

	// Retention never rewinds the counter.
	ev, err := store.AppendEvent(ctx, "a", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if ev.ID != 4 {
		t.Errorf("event after retention got id %d, want 4", ev.ID)
	}
}

func TestMessageRecorderAcknowledgesPings(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithSessions(t, "a")
	recorder := mcp.NewMessageRecorder(store)

	ping, err := mcp.NewRequest(mcp.StringID("p-1"), mcp.MethodPing, nil)
	if err != nil {
		t.Fatalf("failed to build ping: %v", err)
	}
	if _, err := recorder.Record(ctx, "a", mcp.DirectionServer, ping.Message()); err != nil {
		t.Fatalf("failed to record ping: %v", err)
	}

	other, err := mcp.NewResponse(mcp.StringID("p-2"), struct{}{}, nil)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}
	if _, err := recorder.Record(ctx, "a", mcp.DirectionClient, other.Message()); err != nil {
		t.Fatalf("failed to record response: %v", err)
	}
	msgs, err := store.ListMessages(ctx, "a")
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if msgs[0].Acknowledged {
		t.Error("ping acknowledged by a response with another id")
	}

	pong, err := mcp.NewResponse(mcp.StringID("p-1"), struct{}{}, nil)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}
	recorded, err := recorder.Record(ctx, "a", mcp.DirectionClient, pong.Message())
	if err != nil {
		t.Fatalf("failed to record pong: %v", err)
	}
	if !recorded.IsPing {
		t.Error("pong not marked as ping")
	}

	msgs, err = store.ListMessages(ctx, "a")
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if !msgs[0].IsPing || !msgs[0].Acknowledged {
		t.Errorf("ping = %+v, want an acknowledged ping", msgs[0])
	}
	if msgs[1].IsPing {
		t.Error("unrelated response marked as ping")
	}
}

func TestMemoryStoreTaskUpdates(t *testing.T) {
	ctx := context.Background()
	store := mcp.NewMemoryStore()

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, mcp.ErrTaskNotFound) {
		t.Errorf("GetTask() error = %v, want %v", err, mcp.ErrTaskNotFound)
	}

	if err := store.CreateTask(ctx, mcp.Task{ID: "t1", SessionID: "a", Status: mcp.TaskWorking}); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	task, changed, err := store.UpdateTask(ctx, "t1", func(tk *mcp.Task) bool {
		tk.StatusMessage = "discarded"
		return false
	})
	if err != nil {
		t.Fatalf("failed to update task: %v", err)
	}
	if changed || task.StatusMessage != "" {
		t.Errorf("unchanged update persisted: changed=%v message=%q", changed, task.StatusMessage)
	}

	if err := store.CreateTask(ctx, mcp.Task{ID: "t2", SessionID: "b", Status: mcp.TaskCompleted}); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	tasks, err := store.ListTasks(ctx, mcp.TaskFilter{Statuses: []mcp.TaskStatus{mcp.TaskWorking}})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("ListTasks(working) = %+v, want only t1", tasks)
	}
	tasks, err = store.ListTasks(ctx, mcp.TaskFilter{SessionID: "b"})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Errorf("ListTasks(session b) = %+v, want only t2", tasks)
	}
}
