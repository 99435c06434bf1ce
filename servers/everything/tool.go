package everything

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

func (s *Server) registerTools() error {
	tools := []struct {
		tool    mcp.Tool
		handler mcp.ToolHandler
	}{
		{
			tool: mcp.Tool{
				Name:        "echo",
				Description: "Echoes back the input",
				InputSchema: echoSchema,
			},
			handler: s.callEcho,
		},
		{
			tool: mcp.Tool{
				Name:        "add",
				Description: "Adds two numbers",
				InputSchema: addSchema,
			},
			handler: s.callAdd,
		},
		{
			tool: mcp.Tool{
				Name:        "longRunningOperation",
				Description: "Demonstrates a long running operation with progress updates and checkpoints",
				InputSchema: longRunningOperationSchema,
			},
			handler: s.callLongRunningOperation,
		},
		{
			tool: mcp.Tool{
				Name:        "flaky",
				Description: "Fails transiently the given number of times per key, then succeeds",
				InputSchema: flakySchema,
			},
			handler: s.callFlaky,
		},
		{
			tool: mcp.Tool{
				Name:        "sampleLLM",
				Description: "Samples from an LLM using MCP's sampling feature",
				InputSchema: sampleLLMSchema,
			},
			handler: s.callSampleLLM,
		},
	}

	for _, t := range tools {
		if err := s.registry.AddTool(t.tool, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}

func (s *Server) callEcho(
	_ context.Context,
	args json.RawMessage,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var params EchoArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrInvalidArguments, err)
	}
	s.log(mcp.LogLevelDebug, "echo called")

	return textResult(fmt.Sprintf("Echo: %s", params.Message)), nil
}

func (s *Server) callAdd(
	_ context.Context,
	args json.RawMessage,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var params AddArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrInvalidArguments, err)
	}
	s.log(mcp.LogLevelDebug, "add called")

	return textResult(fmt.Sprintf("The sum of %g and %g is %g", params.A, params.B, params.A+params.B)), nil
}

func (s *Server) callLongRunningOperation(
	ctx context.Context,
	args json.RawMessage,
	progress mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	params := LongRunningOperationArgs{Duration: 10, Steps: 5}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrInvalidArguments, err)
	}

	// A task restarted after a crash continues after its last checkpoint.
	start := 0
	task, isTask := mcp.TaskFromContext(ctx)
	if isTask && len(task.Continuation()) > 0 {
		var cp longRunningCheckpoint
		if err := json.Unmarshal(task.Continuation(), &cp); err == nil && cp.CompletedSteps < params.Steps {
			start = cp.CompletedSteps
		}
	}

	stepDuration := time.Duration(params.Duration / float64(params.Steps) * float64(time.Second))
	for i := start; i < params.Steps; i++ {
		timer := time.NewTimer(stepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return mcp.CallToolResult{}, ctx.Err()
		case <-timer.C:
		}

		if isTask {
			if err := task.Checkpoint(ctx, longRunningCheckpoint{CompletedSteps: i + 1}); err != nil {
				return mcp.CallToolResult{}, fmt.Errorf("failed to checkpoint: %w", err)
			}
		}
		if progress != nil {
			err := progress(mcp.ProgressParams{
				Progress: float64(i + 1),
				Total:    float64(params.Steps),
				Message:  fmt.Sprintf("step %d of %d", i+1, params.Steps),
			})
			if err != nil && !errors.Is(err, mcp.ErrProgressNotIncreasing) {
				s.log(mcp.LogLevelWarning, fmt.Sprintf("failed to report progress: %v", err))
			}
		}
	}

	return textResult(fmt.Sprintf("Long running operation completed. Duration: %g seconds, Steps: %d",
		params.Duration, params.Steps)), nil
}

func (s *Server) callFlaky(
	_ context.Context,
	args json.RawMessage,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var params FlakyArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrInvalidArguments, err)
	}

	s.flakyMu.Lock()
	s.flakyCalls[params.Key]++
	calls := s.flakyCalls[params.Key]
	s.flakyMu.Unlock()

	if calls <= params.Failures {
		s.log(mcp.LogLevelWarning, fmt.Sprintf("flaky %s failed on call %d", params.Key, calls))
		return mcp.CallToolResult{}, mcp.Transient(fmt.Errorf("call %d of %s failed", calls, params.Key))
	}
	return textResult(fmt.Sprintf("%s succeeded after %d calls", params.Key, calls)), nil
}

func (s *Server) callSampleLLM(
	ctx context.Context,
	args json.RawMessage,
	_ mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	params := SampleLLMArgs{MaxTokens: 100}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %w", mcp.ErrInvalidArguments, err)
	}

	samplingParamsBs, err := json.Marshal(samplingParams{
		Messages: []samplingMessage{
			{
				Role: string(mcp.RoleUser),
				Content: samplingContent{
					Type: "text",
					Text: fmt.Sprintf("Resource sampleLLM context: %s", params.Prompt),
				},
			},
		},
		SystemPrompt: "You are a helpful assistant.",
		MaxTokens:    params.MaxTokens,
	})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal sampling params: %w", err)
	}

	resMsg, err := requestClient(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodSamplingCreateMessage,
		Params:  samplingParamsBs,
	})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to request sampling: %w", err)
	}
	if resMsg.Error != nil {
		return mcp.CallToolResult{}, fmt.Errorf("client rejected sampling: %w", *resMsg.Error)
	}

	var result samplingResult
	if err := json.Unmarshal(resMsg.Result, &result); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal sampling result: %w", err)
	}

	return textResult(fmt.Sprintf("LLM sampling result: %s", result.Content.Text)), nil
}
