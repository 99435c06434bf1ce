package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toolCall func(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error)

type failedContinuation struct {
	Step  string `json:"step"`
	Error struct {
		Class   string `json:"class"`
		Message string `json:"message"`
	} `json:"error"`
	Attempts   int             `json:"attempts"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

var fastRetry = mcp.RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	Multiplier:  2,
}

// startTaskEngine runs an engine over a fresh MemoryStore until the test ends.
func startTaskEngine(t *testing.T, store *mcp.MemoryStore, call toolCall) *mcp.TaskEngine {
	t.Helper()

	engine := mcp.NewTaskEngine(store, &mockToolServer{call: call}, mcp.WithTaskRetry(fastRetry))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return engine
}

func waitForStatus(t *testing.T, engine *mcp.TaskEngine, id string, status mcp.TaskStatus) mcp.Task {
	t.Helper()

	var task mcp.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = engine.Get(context.Background(), id)
		return err == nil && task.Status == status
	}, testTimeout, 5*time.Millisecond, "task never reached %s", status)
	return task
}

func TestTaskEngineCompletesSubmittedCall(t *testing.T) {
	ctx := context.Background()
	engine := startTaskEngine(t, mcp.NewMemoryStore(), nil)

	ttl := int64(30000)
	task, err := engine.Submit(ctx, "session-1", mcp.CallToolParams{
		Name: "echo",
		Task: &mcp.TaskParams{TTL: &ttl},
	})
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskWorking, task.Status)
	assert.Equal(t, mcp.MethodToolsCall, task.RequestMethod)
	assert.Equal(t, "echo", task.RequestName)
	require.NotNil(t, task.TTL)
	assert.Equal(t, ttl, *task.TTL)

	task = waitForStatus(t, engine, task.ID, mcp.TaskCompleted)
	assert.Equal(t, 1, task.Attempts)

	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(task.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "called echo", result.Content[0].Text)

	tasks, err := engine.List(ctx, mcp.TaskFilter{SessionID: "session-1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestTaskEngineTerminalStatusIsFinal(t *testing.T) {
	ctx := context.Background()
	store := mcp.NewMemoryStore()
	engine := mcp.NewTaskEngine(store, &mockToolServer{})

	require.NoError(t, store.CreateTask(ctx, mcp.Task{ID: "t1", SessionID: "s", Status: mcp.TaskWorking}))

	task, err := engine.Complete(ctx, "t1", json.RawMessage(`{"content":[]}`))
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskCompleted, task.Status)

	task, err = engine.MarkFailed(ctx, "t1", "too late", nil)
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskCompleted, task.Status)
	assert.Empty(t, task.StatusMessage)

	task, err = engine.Cancel(ctx, "t1", "too late")
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskCompleted, task.Status)

	task, err = engine.RequireInput(ctx, "t1", "too late")
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskCompleted, task.Status)
	assert.JSONEq(t, `{"content":[]}`, string(task.Result))

	_, err = engine.Complete(ctx, "missing", nil)
	assert.ErrorIs(t, err, mcp.ErrTaskNotFound)
}

func TestTaskEngineRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	engine := startTaskEngine(t, mcp.NewMemoryStore(), func(
		context.Context, mcp.CallToolParams, mcp.ProgressReporter, mcp.RequestClientFunc,
	) (mcp.CallToolResult, error) {
		if calls.Add(1) < 3 {
			return mcp.CallToolResult{}, mcp.Transient(errors.New("upstream unavailable"))
		}
		return textResult("third time lucky"), nil
	})

	task, err := engine.Submit(ctx, "s", mcp.CallToolParams{Name: "echo"})
	require.NoError(t, err)

	task = waitForStatus(t, engine, task.ID, mcp.TaskCompleted)
	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTaskEngineFailurePath(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantClass    string
		wantAttempts int
	}{
		{
			name:         "retries exhausted",
			err:          mcp.Transient(errors.New("upstream unavailable")),
			wantClass:    "transient",
			wantAttempts: fastRetry.MaxAttempts,
		},
		{
			name:         "not retryable",
			err:          errors.New("disk on fire"),
			wantClass:    "internal",
			wantAttempts: 1,
		},
		{
			name:         "invalid arguments",
			err:          mcp.ErrInvalidArguments,
			wantClass:    "invalid_arguments",
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			engine := startTaskEngine(t, mcp.NewMemoryStore(), func(ctx context.Context, _ mcp.CallToolParams,
				_ mcp.ProgressReporter, _ mcp.RequestClientFunc,
			) (mcp.CallToolResult, error) {
				h, ok := mcp.TaskFromContext(ctx)
				if !ok {
					return mcp.CallToolResult{}, errors.New("no task handle")
				}
				if err := h.Checkpoint(ctx, map[string]int{"row": 41}); err != nil {
					return mcp.CallToolResult{}, err
				}
				return mcp.CallToolResult{}, tt.err
			})

			task, err := engine.Submit(ctx, "s", mcp.CallToolParams{Name: "echo"})
			require.NoError(t, err)

			task = waitForStatus(t, engine, task.ID, mcp.TaskFailed)
			assert.Equal(t, "tool execution failed", task.StatusMessage)
			assert.Empty(t, task.Result)

			var cont failedContinuation
			require.NoError(t, json.Unmarshal(task.ContinuationState, &cont))
			assert.Equal(t, "call_tool", cont.Step)
			assert.Equal(t, tt.wantClass, cont.Error.Class)
			assert.Contains(t, cont.Error.Message, tt.err.Error())
			assert.Equal(t, tt.wantAttempts, cont.Attempts)
			assert.JSONEq(t, `{"row":41}`, string(cont.Checkpoint))
		})
	}
}

func TestTaskEngineInputRequired(t *testing.T) {
	ctx := context.Background()

	paused := make(chan struct{})
	release := make(chan struct{})
	engine := startTaskEngine(t, mcp.NewMemoryStore(), func(ctx context.Context, _ mcp.CallToolParams,
		_ mcp.ProgressReporter, _ mcp.RequestClientFunc,
	) (mcp.CallToolResult, error) {
		h, _ := mcp.TaskFromContext(ctx)
		if err := h.RequireInput(ctx, "need a confirmation"); err != nil {
			return mcp.CallToolResult{}, err
		}
		close(paused)
		<-release
		return textResult("confirmed"), nil
	})

	task, err := engine.Submit(ctx, "s", mcp.CallToolParams{Name: "echo"})
	require.NoError(t, err)

	<-paused
	task, err = engine.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskInputRequired, task.Status)
	assert.Equal(t, "need a confirmation", task.StatusMessage)

	// Only working tasks can pause.
	task, err = engine.RequireInput(ctx, task.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, "need a confirmation", task.StatusMessage)

	task, err = engine.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskWorking, task.Status)
	close(release)

	waitForStatus(t, engine, task.ID, mcp.TaskCompleted)
}

func TestTaskEngineCancel(t *testing.T) {
	ctx := context.Background()

	started := make(chan struct{})
	stopped := make(chan struct{})
	engine := startTaskEngine(t, mcp.NewMemoryStore(), func(ctx context.Context, _ mcp.CallToolParams,
		_ mcp.ProgressReporter, _ mcp.RequestClientFunc,
	) (mcp.CallToolResult, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return textResult("ignored"), nil
	})

	task, err := engine.Submit(ctx, "s", mcp.CallToolParams{Name: "echo"})
	require.NoError(t, err)
	<-started

	task, err = engine.Cancel(ctx, task.ID, "user abort")
	require.NoError(t, err)
	assert.Equal(t, mcp.TaskCancelled, task.Status)
	assert.Equal(t, "user abort", task.StatusMessage)

	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatal("tool was not cancelled")
	}

	// The late result of the tool is discarded.
	assert.Never(t, func() bool {
		task, err := engine.Get(ctx, task.ID)
		return err != nil || task.Status != mcp.TaskCancelled
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTaskEngineProgress(t *testing.T) {
	ctx := context.Background()

	var rejected error
	engine := startTaskEngine(t, mcp.NewMemoryStore(), func(_ context.Context, _ mcp.CallToolParams,
		progress mcp.ProgressReporter, _ mcp.RequestClientFunc,
	) (mcp.CallToolResult, error) {
		if err := progress(mcp.ProgressParams{Progress: 1, Total: 4, Message: "first quarter"}); err != nil {
			return mcp.CallToolResult{}, err
		}
		rejected = progress(mcp.ProgressParams{Progress: 1, Total: 4})
		return textResult("done"), nil
	})

	task, err := engine.Submit(ctx, "s", mcp.CallToolParams{Name: "echo"})
	require.NoError(t, err)

	task = waitForStatus(t, engine, task.ID, mcp.TaskCompleted)
	require.NotNil(t, task.ProgressPercent)
	assert.InDelta(t, 25.0, *task.ProgressPercent, 0.001)
	assert.Equal(t, "first quarter", task.ProgressMessage)
	assert.ErrorIs(t, rejected, mcp.ErrProgressNotIncreasing)
}

func TestTaskEngineRecoversWorkingTasks(t *testing.T) {
	ctx := context.Background()
	store := mcp.NewMemoryStore()

	require.NoError(t, store.CreateTask(ctx, mcp.Task{
		ID:                "left-over",
		SessionID:         "s",
		Status:            mcp.TaskWorking,
		RequestMethod:     mcp.MethodToolsCall,
		RequestName:       "echo",
		RequestParams:     json.RawMessage(`{"name":"echo"}`),
		ContinuationState: json.RawMessage(`{"row":7}`),
	}))

	var continuation atomic.Value
	engine := startTaskEngine(t, store, func(ctx context.Context, _ mcp.CallToolParams,
		_ mcp.ProgressReporter, _ mcp.RequestClientFunc,
	) (mcp.CallToolResult, error) {
		if h, ok := mcp.TaskFromContext(ctx); ok {
			continuation.Store(string(h.Continuation()))
		}
		return textResult("resumed"), nil
	})

	waitForStatus(t, engine, "left-over", mcp.TaskCompleted)
	assert.JSONEq(t, `{"row":7}`, continuation.Load().(string))
}
