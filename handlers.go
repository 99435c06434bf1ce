package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

func (s *Server) registerRoutes() {
	r := s.router

	r.handlePreHandshake(MethodInitialize, s.handleInitialize)
	r.handlePreHandshake(MethodPing, s.handlePing)
	r.handlePreHandshake(MethodNotificationsInitialized, s.handleInitialized)
	r.handlePreHandshake(MethodNotificationsCancelled, s.handleCancelled)
	r.handle(methodNotificationsRootsListChanged, s.handleRootsListChanged)
	r.handle(MethodLoggingSetLevel, s.callSetLogLevel)

	if s.promptServer != nil {
		r.handle(MethodPromptsList, s.callListPrompts)
		r.handle(MethodPromptsGet, s.callGetPrompt)
	}
	if s.resourceServer != nil {
		r.handle(MethodResourcesList, s.callListResources)
		r.handle(MethodResourcesRead, s.callReadResource)
		r.handle(MethodResourcesTemplatesList, s.callListResourceTemplates)
		r.handle(MethodResourcesSubscribe, s.callSubscribeResource)
		r.handle(MethodResourcesUnsubscribe, s.callUnsubscribeResource)
	}
	if s.promptServer != nil || s.resourceServer != nil {
		r.handle(MethodCompletionComplete, s.callComplete)
	}
	if s.toolServer != nil {
		r.handle(MethodToolsList, s.callListTools)
		r.handle(MethodToolsCall, s.callCallTool)
		r.handle(MethodTasksGet, s.callGetTask)
		r.handle(MethodTasksList, s.callListTasks)
		r.handle(MethodTasksResult, s.callTaskResult)
		r.handle(MethodTasksCancel, s.callCancelTask)
	}
}

// decodeParams unmarshals raw into v. Absent params decode as an empty object.
func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("Invalid params")
	}
	return nil
}

func missingParam(name string) JSONRPCError {
	return invalidParams("Missing required parameter: " + name)
}

func (s *Server) handleInitialize(ctx context.Context, call Call) (any, error) {
	var params initializeParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.ProtocolVersion == "" {
		return nil, missingParam("protocolVersion")
	}

	if s.requiredClientCapabilities.Roots != nil {
		if params.Capabilities.Roots == nil {
			return nil, invalidParams("Missing required client capability: roots")
		}
		if s.requiredClientCapabilities.Roots.ListChanged && !params.Capabilities.Roots.ListChanged {
			return nil, invalidParams("Missing required client capability: roots.listChanged")
		}
	}
	if s.requiredClientCapabilities.Sampling != nil && params.Capabilities.Sampling == nil {
		return nil, invalidParams("Missing required client capability: sampling")
	}

	version := negotiateProtocolVersion(params.ProtocolVersion)
	_, err := s.sessions.update(ctx, call.Session.ID, func(state *SessionState) error {
		if err := state.answerInitialize(version, params.ClientInfo, params.Capabilities,
			s.info, s.capabilities, time.Now()); err != nil {
			return err
		}
		state.EnabledTools = slices.Clone(s.enabledTools)
		state.EnabledPrompts = slices.Clone(s.enabledPrompts)
		state.EnabledResources = slices.Clone(s.enabledResources)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

// negotiateProtocolVersion echoes the requested version when supported and otherwise offers
// the latest one; the client decides whether it can continue.
func negotiateProtocolVersion(requested string) string {
	if slices.Contains(SupportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}

func (s *Server) handlePing(context.Context, Call) (any, error) {
	return struct{}{}, nil
}

func (s *Server) handleInitialized(ctx context.Context, call Call) (any, error) {
	var params notificationsInitializedParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}

	var initialized bool
	state, err := s.sessions.update(ctx, call.Session.ID, func(state *SessionState) error {
		initialized = state.markInitialized(params.Capabilities, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !initialized {
		if !state.Initialized {
			s.logger.Warn("initialized notification did not complete the handshake",
				slog.String("sessionID", state.ID),
				slog.Bool("initializeAnswered", state.InitializeAnswered))
		}
		return nil, nil
	}

	s.logger.Info("session initialized",
		slog.String("sessionID", state.ID),
		slog.String("client", state.ClientInfo.Name),
		slog.String("protocolVersion", state.ProtocolVersion))
	s.metrics.sessionInitialized()
	if s.onClientConnected != nil {
		s.onClientConnected(state.ID, state.ClientInfo)
	}
	return nil, nil
}

func (s *Server) handleCancelled(_ context.Context, call Call) (any, error) {
	var params notificationsCancelledParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if !params.RequestID.Valid() {
		return nil, missingParam("requestId")
	}
	if !s.inflight.cancel(call.Session.ID, params.RequestID.String()) {
		s.logger.Debug("cancelled request is not in flight",
			slog.String("sessionID", call.Session.ID),
			slog.String("requestID", params.RequestID.String()))
	}
	return nil, nil
}

func (s *Server) handleRootsListChanged(ctx context.Context, call Call) (any, error) {
	if s.rootsListWatcher != nil {
		s.rootsListWatcher.OnRootsListChanged(ctx, call.Session.ID)
	}
	return nil, nil
}

func (s *Server) callSetLogLevel(ctx context.Context, call Call) (any, error) {
	var params struct {
		Level *LogLevel `json:"level"`
	}
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.Level == nil {
		return nil, missingParam("level")
	}

	if _, err := s.sessions.update(ctx, call.Session.ID, func(state *SessionState) error {
		state.LogLevel = *params.Level
		return nil
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) callListPrompts(ctx context.Context, call Call) (any, error) {
	var params ListPromptsParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}

	ps, err := s.promptServer.ListPrompts(ctx, params,
		s.progressReporter(call.Session.ID, params.Meta.ProgressToken), s.clientRequester(call.Session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	ps.Prompts = slices.DeleteFunc(ps.Prompts, func(p Prompt) bool { return !call.Session.PromptEnabled(p.Name) })

	return ps, nil
}

func (s *Server) callGetPrompt(ctx context.Context, call Call) (any, error) {
	var params GetPromptParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, missingParam("name")
	}
	if !call.Session.PromptEnabled(params.Name) {
		return nil, ErrPromptNotFound
	}

	p, err := s.promptServer.GetPrompt(ctx, params,
		s.progressReporter(call.Session.ID, params.Meta.ProgressToken), s.clientRequester(call.Session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}

	return p, nil
}

func (s *Server) callListResources(ctx context.Context, call Call) (any, error) {
	var params ListResourcesParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}

	rs, err := s.resourceServer.ListResources(ctx, params,
		s.progressReporter(call.Session.ID, params.Meta.ProgressToken), s.clientRequester(call.Session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	rs.Resources = slices.DeleteFunc(rs.Resources, func(r Resource) bool { return !call.Session.ResourceEnabled(r.URI) })

	return rs, nil
}

func (s *Server) callReadResource(ctx context.Context, call Call) (any, error) {
	var params ReadResourceParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, missingParam("uri")
	}
	if !call.Session.ResourceEnabled(params.URI) {
		return nil, ErrResourceNotFound
	}

	r, err := s.resourceServer.ReadResource(ctx, params,
		s.progressReporter(call.Session.ID, params.Meta.ProgressToken), s.clientRequester(call.Session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}

	return r, nil
}

func (s *Server) callListResourceTemplates(ctx context.Context, call Call) (any, error) {
	var params ListResourceTemplatesParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}

	ts, err := s.resourceServer.ListResourceTemplates(ctx, params,
		s.progressReporter(call.Session.ID, params.Meta.ProgressToken), s.clientRequester(call.Session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list resource templates: %w", err)
	}

	return ts, nil
}

func (s *Server) callSubscribeResource(ctx context.Context, call Call) (any, error) {
	var params SubscribeResourceParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, missingParam("uri")
	}
	if !call.Session.ResourceEnabled(params.URI) {
		return nil, ErrResourceNotFound
	}

	if _, err := s.sessions.update(ctx, call.Session.ID, func(state *SessionState) error {
		state.subscribe(params.URI)
		return nil
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) callUnsubscribeResource(ctx context.Context, call Call) (any, error) {
	var params UnsubscribeResourceParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, missingParam("uri")
	}

	if _, err := s.sessions.update(ctx, call.Session.ID, func(state *SessionState) error {
		state.unsubscribe(params.URI)
		return nil
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) callComplete(ctx context.Context, call Call) (any, error) {
	var params CompletesCompletionParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.Argument.Name == "" {
		return nil, missingParam("argument.name")
	}

	var (
		result CompletionResult
		err    error
	)
	switch params.Ref.Type {
	case CompletionRefPrompt:
		if s.promptServer == nil {
			return nil, invalidParams("Unsupported completion reference")
		}
		if params.Ref.Name == "" {
			return nil, missingParam("ref.name")
		}
		result, err = s.promptServer.CompletesPrompt(ctx, params, s.clientRequester(call.Session.ID))
	case CompletionRefResource:
		if s.resourceServer == nil {
			return nil, invalidParams("Unsupported completion reference")
		}
		if params.Ref.URI == "" {
			return nil, missingParam("ref.uri")
		}
		result, err = s.resourceServer.CompletesResourceTemplate(ctx, params, s.clientRequester(call.Session.ID))
	default:
		return nil, invalidParams("Unsupported completion reference")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete argument: %w", err)
	}
	if result.Completion.Values == nil {
		result.Completion.Values = []string{}
	}

	return result, nil
}

func (s *Server) callListTools(ctx context.Context, call Call) (any, error) {
	var params ListToolsParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}

	ts, err := s.toolServer.ListTools(ctx, params,
		s.progressReporter(call.Session.ID, params.Meta.ProgressToken), s.clientRequester(call.Session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	ts.Tools = slices.DeleteFunc(ts.Tools, func(t Tool) bool { return !call.Session.ToolEnabled(t.Name) })

	return ts, nil
}

func (s *Server) callCallTool(ctx context.Context, call Call) (any, error) {
	var params CallToolParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, missingParam("name")
	}
	if !call.Session.ToolEnabled(params.Name) {
		return nil, ErrToolNotFound
	}

	if params.Task != nil {
		if v, ok := s.toolServer.(ToolCallValidator); ok {
			if err := v.ValidateToolCall(ctx, params); err != nil {
				return nil, err
			}
		}
		task, err := s.tasks.Submit(ctx, call.Session.ID, params)
		if err != nil {
			return nil, fmt.Errorf("failed to submit task: %w", err)
		}
		return CreateTaskResult{Task: task.Info(s.taskPollInterval)}, nil
	}

	result, err := s.toolServer.CallTool(ctx, params,
		s.progressReporter(call.Session.ID, params.Meta.ProgressToken), s.clientRequester(call.Session.ID))
	if err != nil {
		var jsonErr JSONRPCError
		switch {
		case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrInvalidArguments), errors.As(err, &jsonErr):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		// A failing tool is a tool result, not a protocol error. The cause stays in the log.
		s.logger.Warn("tool execution failed",
			slog.String("sessionID", call.Session.ID),
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: "tool execution failed",
				},
			},
			IsError: true,
		}
	}
	if result.Content == nil {
		result.Content = []Content{}
	}

	return result, nil
}
