package mcp

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus is the state of an asynchronous tool execution. completed, failed and
// cancelled are absorbing: once reached, every further transition is a no-op.
type TaskStatus string

// Task is the durable record of a task-augmented tool call. Fields change only through the
// transition methods, which report whether they changed anything.
type Task struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	Status        TaskStatus      `json:"status"`
	RequestMethod string          `json:"requestMethod"`
	RequestName   string          `json:"requestName"`
	RequestParams json.RawMessage `json:"requestParams,omitempty"`

	// Result is only set by a successful completion.
	Result json.RawMessage `json:"result,omitempty"`

	StatusMessage   string   `json:"statusMessage,omitempty"`
	ProgressPercent *float64 `json:"progressPercent,omitempty"`
	ProgressMessage string   `json:"progressMessage,omitempty"`

	// ContinuationState is the opaque checkpoint a resumed execution starts from. On the
	// discard path it records the failing step and error.
	ContinuationState json.RawMessage `json:"continuationState,omitempty"`
	Attempts          int             `json:"attempts"`

	// TTL is the retention requested by the client, in milliseconds.
	TTL           *int64    `json:"ttl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	SessionID string
	Statuses  []TaskStatus
}

// TaskStore persists tasks. UpdateTask applies fn atomically and persists the task only
// when fn reports a change.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	// GetTask returns ErrTaskNotFound for unknown ids.
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*Task) bool) (Task, bool, error)
	// ListTasks returns matching tasks ordered by creation.
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
}

// TaskStatus values.
const (
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// Terminal reports whether status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Terminal reports whether the task reached an absorbing status.
func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

// Expired reports whether the task outlived its TTL at now. Expiry is informational; it
// never changes the status.
func (t Task) Expired(now time.Time) bool {
	if t.TTL == nil {
		return false
	}
	return now.After(t.LastUpdatedAt.Add(time.Duration(*t.TTL) * time.Millisecond))
}

// Info returns the wire representation of the task.
func (t Task) Info(pollInterval time.Duration) TaskInfo {
	return TaskInfo{
		TaskID:          t.ID,
		Status:          t.Status,
		StatusMessage:   t.StatusMessage,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastUpdatedAt:   t.LastUpdatedAt.UTC().Format(time.RFC3339Nano),
		TTL:             t.TTL,
		PollInterval:    pollInterval.Milliseconds(),
		ProgressPercent: t.ProgressPercent,
		ProgressMessage: t.ProgressMessage,
	}
}

func (t *Task) complete(result json.RawMessage, now time.Time) bool {
	if t.Terminal() {
		return false
	}
	t.Status = TaskCompleted
	t.Result = result
	t.StatusMessage = ""
	t.LastUpdatedAt = now
	return true
}

func (t *Task) markFailed(message string, continuation json.RawMessage, now time.Time) bool {
	if t.Terminal() {
		return false
	}
	t.Status = TaskFailed
	t.StatusMessage = message
	if continuation != nil {
		t.ContinuationState = continuation
	}
	t.LastUpdatedAt = now
	return true
}

func (t *Task) cancel(reason string, now time.Time) bool {
	if t.Terminal() {
		return false
	}
	t.Status = TaskCancelled
	t.StatusMessage = reason
	t.LastUpdatedAt = now
	return true
}

func (t *Task) requireInput(message string, now time.Time) bool {
	if t.Status != TaskWorking {
		return false
	}
	t.Status = TaskInputRequired
	t.StatusMessage = message
	t.LastUpdatedAt = now
	return true
}

func (t *Task) resume(now time.Time) bool {
	if t.Status != TaskInputRequired {
		return false
	}
	t.Status = TaskWorking
	t.StatusMessage = ""
	t.LastUpdatedAt = now
	return true
}

func (t *Task) setProgress(percent float64, message string, now time.Time) bool {
	if t.Terminal() {
		return false
	}
	t.ProgressPercent = &percent
	t.ProgressMessage = message
	t.LastUpdatedAt = now
	return true
}

func (t *Task) checkpoint(state json.RawMessage, now time.Time) bool {
	if t.Terminal() {
		return false
	}
	t.ContinuationState = state
	t.LastUpdatedAt = now
	return true
}

func (t *Task) startAttempt(attempt int, now time.Time) bool {
	if t.Terminal() {
		return false
	}
	t.Attempts = attempt
	t.LastUpdatedAt = now
	return true
}
