package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TaskEngineOption represents the options for the task engine.
type TaskEngineOption func(*TaskEngine)

// RetryConfig configures exponential backoff retry of transient tool failures.
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first one
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Upper bound of any delay
	Multiplier  float64       // Growth factor between delays
}

// TaskEngine runs task-augmented tool calls on a worker pool, independently of the transport
// that submitted them. Every status change goes through one of its transition methods, which
// are no-ops on tasks that already reached a terminal status.
type TaskEngine struct {
	store   TaskStore
	tools   ToolServer
	queue   chan string
	workers int
	retry   RetryConfig
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	sessionCheck func(ctx context.Context, sessionID string) error
	notify       func(ctx context.Context, task Task)
	progress     func(ctx context.Context, sessionID string, params ProgressParams) error
	requester    func(sessionID string) RequestClientFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// TaskHandle lets a tool running as a task checkpoint its work and pause for input. It is
// available through TaskFromContext.
type TaskHandle struct {
	engine       *TaskEngine
	id           string
	continuation json.RawMessage
}

type taskHandleKey struct{}

// continuationState is what the discard path stores in Task.ContinuationState.
type continuationState struct {
	Step       string            `json:"step"`
	Error      continuationError `json:"error"`
	Attempts   int               `json:"attempts"`
	Checkpoint json.RawMessage   `json:"checkpoint,omitempty"`
}

type continuationError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

const (
	defaultTaskWorkers   = 4
	defaultTaskQueueSize = 256

	taskFailedMessage = "tool execution failed"
)

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
	}
}

// NewTaskEngine creates a TaskEngine executing tools from tools and persisting to store.
func NewTaskEngine(store TaskStore, tools ToolServer, options ...TaskEngineOption) *TaskEngine {
	e := &TaskEngine{
		store:   store,
		tools:   tools,
		workers: defaultTaskWorkers,
		retry:   DefaultRetryConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
	}
	queueSize := defaultTaskQueueSize
	for _, opt := range options {
		opt(e)
	}
	if e.queue == nil {
		e.queue = make(chan string, queueSize)
	}
	return e
}

// WithTaskRetry sets the retry policy for transient failures.
func WithTaskRetry(cfg RetryConfig) TaskEngineOption {
	return func(e *TaskEngine) {
		e.retry = cfg
	}
}

// WithTaskWorkers sets the number of tasks executed concurrently.
func WithTaskWorkers(n int) TaskEngineOption {
	return func(e *TaskEngine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTaskQueueSize sets how many submitted tasks may wait for a worker.
func WithTaskQueueSize(n int) TaskEngineOption {
	return func(e *TaskEngine) {
		if n > 0 {
			e.queue = make(chan string, n)
		}
	}
}

// WithTaskLogger sets the logger for the task engine.
func WithTaskLogger(logger *slog.Logger) TaskEngineOption {
	return func(e *TaskEngine) {
		e.logger = logger.With(slog.String("component", "tasks"))
	}
}

// WithTaskMetrics records task transitions into m.
func WithTaskMetrics(m *Metrics) TaskEngineOption {
	return func(e *TaskEngine) {
		e.metrics = m
	}
}

// Submit stores a working task for the tool call and queues it for execution.
func (e *TaskEngine) Submit(ctx context.Context, sessionID string, params CallToolParams) (Task, error) {
	var ttl *int64
	if params.Task != nil {
		ttl = params.Task.TTL
	}
	params.Task = nil
	raw, err := json.Marshal(params)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	now := e.now()
	task := Task{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Status:        TaskWorking,
		RequestMethod: MethodToolsCall,
		RequestName:   params.Name,
		RequestParams: raw,
		TTL:           ttl,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	e.metrics.taskTransition(task.Status)

	if err := e.enqueue(ctx, task.ID); err != nil {
		// The task stays working and is picked up by recovery on the next Run.
		e.logger.Warn("failed to queue task", slog.String("taskID", task.ID), slog.String("err", err.Error()))
	}
	return task, nil
}

// Run executes queued tasks until ctx is done. Tasks left working by a previous process are
// queued again first and resume from their continuation state.
func (e *TaskEngine) Run(ctx context.Context) error {
	recovered, err := e.store.ListTasks(ctx, TaskFilter{Statuses: []TaskStatus{TaskWorking}})
	if err != nil {
		return fmt.Errorf("failed to list working tasks: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if len(recovered) > 0 {
		e.logger.Info("recovering working tasks", slog.Int("count", len(recovered)))
		g.Go(func() error {
			for _, task := range recovered {
				if err := e.enqueue(ctx, task.ID); err != nil {
					return nil
				}
			}
			return nil
		})
	}

	for range e.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-e.queue:
					e.execute(ctx, id)
				}
			}
		})
	}

	return g.Wait()
}

// Get returns a task.
func (e *TaskEngine) Get(ctx context.Context, id string) (Task, error) {
	return e.store.GetTask(ctx, id)
}

// List returns the tasks matching filter.
func (e *TaskEngine) List(ctx context.Context, filter TaskFilter) ([]Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// Complete stores the result of a task and marks it completed.
func (e *TaskEngine) Complete(ctx context.Context, id string, result json.RawMessage) (Task, error) {
	return e.transition(ctx, id, "complete", true, func(t *Task) bool {
		return t.complete(result, e.now())
	})
}

// MarkFailed marks a task failed with message and optional continuation metadata.
func (e *TaskEngine) MarkFailed(ctx context.Context, id, message string, continuation json.RawMessage) (Task, error) {
	return e.transition(ctx, id, "mark_failed", true, func(t *Task) bool {
		return t.markFailed(message, continuation, e.now())
	})
}

// Cancel marks a task cancelled. A running execution has its context cancelled; it is up to
// the tool to notice, and whatever it returns afterwards is discarded.
func (e *TaskEngine) Cancel(ctx context.Context, id, reason string) (Task, error) {
	task, err := e.transition(ctx, id, "cancel", true, func(t *Task) bool {
		return t.cancel(reason, e.now())
	})
	if err != nil {
		return Task{}, err
	}

	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return task, nil
}

// RequireInput pauses a working task until Resume is called.
func (e *TaskEngine) RequireInput(ctx context.Context, id, message string) (Task, error) {
	return e.transition(ctx, id, "require_input", true, func(t *Task) bool {
		return t.requireInput(message, e.now())
	})
}

// Resume moves a task waiting for input back to working. A task that is not executing in
// this process is queued again.
func (e *TaskEngine) Resume(ctx context.Context, id string) (Task, error) {
	task, err := e.transition(ctx, id, "resume", true, func(t *Task) bool {
		return t.resume(e.now())
	})
	if err != nil {
		return Task{}, err
	}
	if task.Status == TaskWorking && !e.isRunning(id) {
		if err := e.enqueue(ctx, id); err != nil {
			return Task{}, err
		}
	}
	return task, nil
}

func (e *TaskEngine) transition(
	ctx context.Context,
	id, op string,
	notify bool,
	fn func(*Task) bool,
) (Task, error) {
	task, changed, err := e.store.UpdateTask(ctx, id, fn)
	if err != nil {
		return Task{}, err
	}
	if !changed {
		e.logger.Warn("ignored task transition",
			slog.String("taskID", id),
			slog.String("transition", op),
			slog.String("status", string(task.Status)))
		e.metrics.taskTransitionIgnored(op)
		return task, nil
	}
	if notify {
		e.metrics.taskTransition(task.Status)
		if e.notify != nil {
			e.notify(ctx, task)
		}
	}
	return task, nil
}

func (e *TaskEngine) enqueue(ctx context.Context, id string) error {
	select {
	case e.queue <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *TaskEngine) claim(id string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = cancel
	return true
}

func (e *TaskEngine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.running, id)
}

func (e *TaskEngine) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.running[id]
	return ok
}

// execute runs one task: load it, check its session, decode the call, then call the tool
// with retry. Failures that exhaust the retries, or that are not transient, take the
// discard path so the task always ends terminal.
func (e *TaskEngine) execute(ctx context.Context, id string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.claim(id, cancel) {
		return
	}
	defer e.release(id)

	logger := e.logger.With(slog.String("taskID", id))

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		logger.Error("failed to load task", slog.String("err", err.Error()))
		return
	}
	if task.Status != TaskWorking {
		return
	}
	logger = logger.With(slog.String("sessionID", task.SessionID), slog.String("tool", task.RequestName))

	if e.sessionCheck != nil {
		if err := e.sessionCheck(ctx, task.SessionID); err != nil {
			e.discard(ctx, logger, id, "resolve_session", err, 0)
			return
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(task.RequestParams, &params); err != nil {
		e.discard(ctx, logger, id, "decode_params", err, 0)
		return
	}
	if e.tools == nil {
		e.discard(ctx, logger, id, "resolve_tool", ErrToolNotFound, 0)
		return
	}

	runCtx = context.WithValue(runCtx, taskHandleKey{}, &TaskHandle{
		engine:       e,
		id:           id,
		continuation: task.ContinuationState,
	})
	var requester RequestClientFunc
	if e.requester != nil {
		requester = e.requester(task.SessionID)
	}

	result, attempts, err := retryWithBackoff(runCtx, e.retry, isTransient,
		func(ctx context.Context, attempt int) (CallToolResult, error) {
			if _, err := e.transition(ctx, id, "start_attempt", false, func(t *Task) bool {
				return t.startAttempt(attempt, e.now())
			}); err != nil {
				return CallToolResult{}, err
			}
			if attempt > 1 {
				logger.Info("retrying task", slog.Int("attempt", attempt))
				e.metrics.taskRetried()
			}
			reporter := e.progressReporter(ctx, task, params.Meta.ProgressToken)
			return e.tools.CallTool(ctx, params, reporter, requester)
		})

	switch {
	case ctx.Err() != nil:
		// Shutting down. The task stays working and is recovered by the next Run.
		logger.Info("task interrupted by shutdown")
		return
	case runCtx.Err() != nil:
		// Cancelled through Cancel, which already made the task terminal.
		return
	case err != nil:
		e.discard(ctx, logger, id, "call_tool", err, attempts)
		return
	}

	bs, err := json.Marshal(result)
	if err != nil {
		e.discard(ctx, logger, id, "encode_result", err, attempts)
		return
	}
	if _, err := e.Complete(ctx, id, bs); err != nil {
		logger.Error("failed to complete task", slog.String("err", err.Error()))
	}
}

// discard forces a failed status and records the failing step and error in the
// continuation state, keeping the last checkpoint.
func (e *TaskEngine) discard(ctx context.Context, logger *slog.Logger, id, step string, cause error, attempts int) {
	logger.Warn("task failed",
		slog.String("step", step),
		slog.Int("attempts", attempts),
		slog.String("err", cause.Error()))

	_, err := e.transition(ctx, id, "mark_failed", true, func(t *Task) bool {
		cont, err := json.Marshal(continuationState{
			Step: step,
			Error: continuationError{
				Class:   errorClass(cause),
				Message: cause.Error(),
			},
			Attempts:   attempts,
			Checkpoint: t.ContinuationState,
		})
		if err != nil {
			cont = nil
		}
		return t.markFailed(taskFailedMessage, cont, e.now())
	})
	if err != nil {
		logger.Error("failed to mark task failed", slog.String("err", err.Error()))
	}
}

func (e *TaskEngine) progressReporter(ctx context.Context, task Task, token MustString) ProgressReporter {
	var guard progressGuard
	return func(params ProgressParams) error {
		if err := guard.advance(params.Progress); err != nil {
			return err
		}
		percent := params.Progress
		if params.Total > 0 {
			percent = params.Progress / params.Total * 100
		}
		if _, err := e.transition(ctx, task.ID, "progress", false, func(t *Task) bool {
			return t.setProgress(percent, params.Message, e.now())
		}); err != nil {
			return err
		}
		if token == "" || e.progress == nil {
			return nil
		}
		params.ProgressToken = token
		return e.progress(ctx, task.SessionID, params)
	}
}

func errorClass(err error) string {
	switch {
	case isTransient(err):
		return "transient"
	case errors.Is(err, ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid_arguments"
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionRequired):
		return "session_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return "protocol"
	}
	return "internal"
}

// retryWithBackoff calls fn until it succeeds, fails with an error retryable rejects, or
// cfg.MaxAttempts is reached. It returns the number of attempts made.
func retryWithBackoff[T any](
	ctx context.Context,
	cfg RetryConfig,
	retryable func(error) bool,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, int, error) {
	var zero T
	var lastErr error
	backoff := cfg.BaseDelay
	maxAttempts := max(cfg.MaxAttempts, 1)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}
		if !retryable(err) || attempt == maxAttempts {
			return zero, attempt, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
	}

	return zero, maxAttempts, lastErr
}

// TaskFromContext returns the handle of the task a tool is executing for. ok is false for
// synchronous tool calls.
func TaskFromContext(ctx context.Context) (*TaskHandle, bool) {
	h, ok := ctx.Value(taskHandleKey{}).(*TaskHandle)
	return h, ok
}

// ID returns the task id.
func (h *TaskHandle) ID() string {
	return h.id
}

// Continuation returns the continuation state the execution started with. After a restart
// it holds the last checkpoint.
func (h *TaskHandle) Continuation() json.RawMessage {
	return h.continuation
}

// Checkpoint stores state as the continuation of the task.
func (h *TaskHandle) Checkpoint(ctx context.Context, state any) error {
	bs, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = h.engine.transition(ctx, h.id, "checkpoint", false, func(t *Task) bool {
		return t.checkpoint(bs, h.engine.now())
	})
	return err
}

// RequireInput pauses the task with message.
func (h *TaskHandle) RequireInput(ctx context.Context, message string) error {
	_, err := h.engine.RequireInput(ctx, h.id, message)
	return err
}

// Resume moves the task back to working.
func (h *TaskHandle) Resume(ctx context.Context) error {
	_, err := h.engine.Resume(ctx, h.id)
	return err
}
