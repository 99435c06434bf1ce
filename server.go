package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server. It owns the session state machine,
// routes inbound messages to the handler families, and pushes outbound messages through the
// event store and the fan-out broker to whichever transport serves a session.
//
// Transports (StreamableHTTPServer, StdIOServer) feed it decoded messages; Run drives the
// background work: the task engine, the janitor and the list-changed listeners.
type Server struct {
	info Info

	instructions               string
	capabilities               ServerCapabilities
	requiredClientCapabilities ClientCapabilities

	requireRootsListClient bool
	requireSamplingClient  bool

	promptServer      PromptServer
	promptListUpdater PromptListUpdater

	resourceServer              ResourceServer
	resourceListUpdater         ResourceListUpdater
	resourceSubscriptionHandler ResourceSubscriptionHandler

	toolServer      ToolServer
	toolListUpdater ToolListUpdater

	rootsListWatcher RootsListWatcher

	logHandler LogHandler

	enabledTools     []string
	enabledPrompts   []string
	enabledResources []string

	store    Store
	broker   Broker
	sessions *sessionManager
	recorder MessageRecorder
	router   *router
	tasks    *TaskEngine
	metrics  *Metrics

	interceptors       []Interceptor
	customMethod       CustomMethodHandler
	taskOptions        []TaskEngineOption
	taskPollInterval   time.Duration
	sendTimeout        time.Duration
	sessionIdleTimeout time.Duration
	eventRetention     time.Duration
	janitorInterval    time.Duration

	pending  *pendingRequests
	inflight *inflightRequests

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)
}

var (
	defaultServerSendTimeout      = 30 * time.Second
	defaultServerJanitorInterval  = time.Minute
	defaultServerTaskPollInterval = time.Second
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
// Without WithStore the server keeps its state in a MemoryStore.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:     info,
		logger:   slog.Default(),
		pending:  newPendingRequests(),
		inflight: newInflightRequests(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.broker == nil {
		s.broker = NewMemoryBroker(defaultBrokerBuffer)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.janitorInterval == 0 {
		s.janitorInterval = defaultServerJanitorInterval
	}
	if s.taskPollInterval == 0 {
		s.taskPollInterval = defaultServerTaskPollInterval
	}

	// Prepares the server's capabilities based on the provided server implementations.

	s.capabilities = ServerCapabilities{
		Logging: &LoggingCapability{},
	}

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
		if s.promptListUpdater != nil {
			s.capabilities.Prompts.ListChanged = true
		}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{Subscribe: true}
		if s.resourceListUpdater != nil {
			s.capabilities.Resources.ListChanged = true
		}
	}
	if s.promptServer != nil || s.resourceServer != nil {
		s.capabilities.Completions = &CompletionsCapability{}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
		if s.toolListUpdater != nil {
			s.capabilities.Tools.ListChanged = true
		}
		s.capabilities.Tasks = &TasksCapability{
			List:   &struct{}{},
			Cancel: &struct{}{},
			Requests: &TaskRequestsCapability{
				Tools: &struct {
					Call *struct{} `json:"call,omitempty"`
				}{Call: &struct{}{}},
			},
		}
	}

	s.requiredClientCapabilities = ClientCapabilities{}

	if s.requireRootsListClient {
		s.requiredClientCapabilities.Roots = &RootsCapability{}
		if s.rootsListWatcher != nil {
			s.requiredClientCapabilities.Roots = &RootsCapability{
				ListChanged: true,
			}
		}
	}

	if s.requireSamplingClient {
		s.requiredClientCapabilities.Sampling = &SamplingCapability{}
	}

	s.sessions = newSessionManager(s.store, s.broker, s.logger.With(slog.String("component", "sessions")))
	s.sessions.onClose = s.sessionClosed
	s.recorder = NewMessageRecorder(s.store)

	taskOptions := append([]TaskEngineOption{
		WithTaskLogger(s.logger),
		WithTaskMetrics(s.metrics),
	}, s.taskOptions...)
	s.tasks = NewTaskEngine(s.store, s.toolServer, taskOptions...)
	s.tasks.sessionCheck = s.checkTaskSession
	s.tasks.notify = s.notifyTaskStatus
	s.tasks.progress = s.pushProgress
	s.tasks.requester = s.clientRequester

	s.router = newRouter(s.interceptors, s.customMethod)
	s.registerRoutes()

	return s
}

// WithRequireRootsListClient returns a ServerOption that requires the client to support roots list capability.
func WithRequireRootsListClient() ServerOption {
	return func(s *Server) {
		s.requireRootsListClient = true
	}
}

// WithRequireSamplingClient returns a ServerOption that requires the client to support sampling capability.
func WithRequireSamplingClient() ServerOption {
	return func(s *Server) {
		s.requireSamplingClient = true
	}
}

// WithRegistry returns a ServerOption that serves tools, prompts and resources from reg and
// broadcasts its change notifications.
func WithRegistry(reg *Registry) ServerOption {
	return func(s *Server) {
		s.toolServer = reg
		s.toolListUpdater = reg
		s.promptServer = reg
		s.promptListUpdater = reg
		s.resourceServer = reg
		s.resourceListUpdater = reg
		s.resourceSubscriptionHandler = reg
	}
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithPromptListUpdater returns a ServerOption that configures the prompt list updater implementation.
func WithPromptListUpdater(updater PromptListUpdater) ServerOption {
	return func(s *Server) {
		s.promptListUpdater = updater
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithResourceListUpdater returns a ServerOption that configures the resource list updater implementation.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(s *Server) {
		s.resourceListUpdater = updater
	}
}

// WithResourceSubscriptionHandler returns a ServerOption that configures
// the source of resource update notifications.
func WithResourceSubscriptionHandler(handler ResourceSubscriptionHandler) ServerOption {
	return func(s *Server) {
		s.resourceSubscriptionHandler = handler
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithRootsListWatcher returns a ServerOption that configures the roots list watcher implementation.
func WithRootsListWatcher(watcher RootsListWatcher) ServerOption {
	return func(s *Server) {
		s.rootsListWatcher = watcher
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithEnabledTools restricts new sessions to the named tools.
func WithEnabledTools(names ...string) ServerOption {
	return func(s *Server) {
		s.enabledTools = names
	}
}

// WithEnabledPrompts restricts new sessions to the named prompts.
func WithEnabledPrompts(names ...string) ServerOption {
	return func(s *Server) {
		s.enabledPrompts = names
	}
}

// WithEnabledResources restricts new sessions to the given resource URIs.
func WithEnabledResources(uris ...string) ServerOption {
	return func(s *Server) {
		s.enabledResources = uris
	}
}

// WithStore returns a ServerOption that sets the persistence of sessions, messages, events and tasks.
func WithStore(store Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithBroker returns a ServerOption that sets the fan-out used to reach session streams.
func WithBroker(broker Broker) ServerOption {
	return func(s *Server) {
		s.broker = broker
	}
}

// WithInterceptors appends interceptors to the dispatch chain. They run in order, outermost first.
func WithInterceptors(interceptors ...Interceptor) ServerOption {
	return func(s *Server) {
		s.interceptors = append(s.interceptors, interceptors...)
	}
}

// WithCustomMethodHandler sets the hook for methods outside the MCP surface.
func WithCustomMethodHandler(handler CustomMethodHandler) ServerOption {
	return func(s *Server) {
		s.customMethod = handler
	}
}

// WithMetrics returns a ServerOption that records server metrics into m.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTaskEngineOptions passes options to the task engine.
func WithTaskEngineOptions(options ...TaskEngineOption) ServerOption {
	return func(s *Server) {
		s.taskOptions = append(s.taskOptions, options...)
	}
}

// WithTaskPollInterval sets the poll interval suggested to clients in task handles.
func WithTaskPollInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.taskPollInterval = interval
	}
}

// WithServerSendTimeout returns a ServerOption that configures the timeout of pushes that
// have no caller context, such as progress notifications.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithSessionIdleTimeout closes sessions without traffic for longer than timeout.
// Zero disables expiry.
func WithSessionIdleTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sessionIdleTimeout = timeout
	}
}

// WithEventRetention deletes stored events older than retention. Zero keeps events forever.
func WithEventRetention(retention time.Duration) ServerOption {
	return func(s *Server) {
		s.eventRetention = retention
	}
}

// WithJanitorInterval sets how often expiry and event retention run.
func WithJanitorInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.janitorInterval = interval
	}
}

// WithServerOnClientConnected sets the callback for when a session completes its handshake.
// The callback's parameter is the ID and Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a session is closed.
// The callback's parameter is the ID of the session.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-server"),
			slog.String("component", "server"),
		)
	}
}

// Run drives the background work of the server until ctx is done: the task engine workers,
// the janitor and the listeners that turn list and log updates into notifications.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.tasks.Run(ctx)
	})
	g.Go(func() error {
		s.janitor(ctx)
		return nil
	})

	if s.promptListUpdater != nil {
		g.Go(func() error {
			s.listenUpdates(ctx, methodNotificationsPromptsListChanged, s.promptListUpdater.PromptListUpdates(ctx))
			return nil
		})
	}
	if s.resourceListUpdater != nil {
		g.Go(func() error {
			s.listenUpdates(ctx, methodNotificationsResourcesListChanged,
				s.resourceListUpdater.ResourceListUpdates(ctx))
			return nil
		})
	}
	if s.toolListUpdater != nil {
		g.Go(func() error {
			s.listenUpdates(ctx, methodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates(ctx))
			return nil
		})
	}
	if s.resourceSubscriptionHandler != nil {
		g.Go(func() error {
			for uri := range s.resourceSubscriptionHandler.SubscribedResourceUpdates(ctx) {
				if err := s.NotifyResourceUpdated(ctx, uri); err != nil {
					s.logger.Warn("failed to notify resource update",
						slog.String("uri", uri), slog.String("err", err.Error()))
				}
			}
			return nil
		})
	}
	if s.logHandler != nil {
		g.Go(func() error {
			for params := range s.logHandler.LogStreams(ctx) {
				if err := s.Log(ctx, params); err != nil {
					s.logger.Warn("failed to forward log", slog.String("err", err.Error()))
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// Tasks returns the task engine of the server.
func (s *Server) Tasks() *TaskEngine {
	return s.tasks
}

// Session returns the current state of a session.
func (s *Server) Session(ctx context.Context, id string) (SessionState, error) {
	return s.sessions.get(ctx, id)
}

// CloseSession terminates a session. Closing an already closed session succeeds.
func (s *Server) CloseSession(ctx context.Context, id string) error {
	_, _, err := s.sessions.close(ctx, id)
	return err
}

// Notify pushes a notification to one session.
func (s *Server) Notify(ctx context.Context, sessionID, method string, params any) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = s.push(ctx, sessionID, n.Message())
	return err
}

// Log sends a log message to every initialized session whose level admits it.
func (s *Server) Log(ctx context.Context, params LogParams) error {
	return s.broadcast(ctx, MethodNotificationsMessage, params, func(state SessionState) bool {
		return state.Admits(params.Level)
	})
}

// NotifyResourceUpdated tells the sessions subscribed to uri that its content changed.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	return s.broadcast(ctx, methodNotificationsResourcesUpdated, notificationsResourcesUpdatedParams{URI: uri},
		func(state SessionState) bool {
			return state.Subscribed(uri)
		})
}

func (s *Server) broadcast(ctx context.Context, method string, params any, include func(SessionState) bool) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	states, err := s.sessions.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, state := range states {
		if include != nil && !include(state) {
			continue
		}
		if _, err := s.push(ctx, state.ID, n.Message()); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("failed to push notification",
				slog.String("sessionID", state.ID),
				slog.String("method", method),
				slog.String("err", err.Error()))
		}
	}
	return nil
}

func (s *Server) listenUpdates(ctx context.Context, method string, updates iter.Seq[struct{}]) {
	for range updates {
		if err := s.broadcast(ctx, method, nil, nil); err != nil {
			s.logger.Warn("failed to broadcast update", slog.String("method", method), slog.String("err", err.Error()))
		}
	}
}

// push is the single outbound primitive: it appends msg to the session's event log, records
// it in the message log and hands the event to the broker. It fails with ErrSessionClosed
// once the session is terminated.
func (s *Server) push(ctx context.Context, sessionID string, msg JSONRPCMessage) (Event, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	ev, err := s.store.AppendEvent(ctx, sessionID, data)
	if err != nil {
		return Event{}, err
	}
	s.metrics.eventAppended()
	s.recordOutbound(ctx, sessionID, msg)
	if err := s.broker.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("sessionID", sessionID),
			slog.Int64("lastEventID", ev.ID),
			slog.String("err", err.Error()))
	}
	return ev, nil
}

// appendEvent stores a reply that is delivered on the response of the request itself, so it
// takes an event id for replay without going through the broker.
func (s *Server) appendEvent(ctx context.Context, sessionID string, data []byte) (Event, error) {
	ev, err := s.store.AppendEvent(ctx, sessionID, data)
	if err != nil {
		return Event{}, err
	}
	s.metrics.eventAppended()
	return ev, nil
}

func (s *Server) recordInbound(ctx context.Context, sessionID string, msg JSONRPCMessage) {
	s.metrics.messageRecorded(DirectionClient, msg.Type())
	if _, err := s.recorder.Record(ctx, sessionID, DirectionClient, msg); err != nil {
		s.logger.Warn("failed to record message", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
	}
}

func (s *Server) recordOutbound(ctx context.Context, sessionID string, msg JSONRPCMessage) {
	s.metrics.messageRecorded(DirectionServer, msg.Type())
	if _, err := s.recorder.Record(ctx, sessionID, DirectionServer, msg); err != nil {
		s.logger.Warn("failed to record message", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
	}
}

// openSession finds the session an inbound batch belongs to. Without a session id only a
// batch carrying an initialize request may proceed, and it gets a fresh session.
func (s *Server) openSession(ctx context.Context, sessionID string, msgs []JSONRPCMessage) (SessionState, bool, error) {
	if sessionID == "" {
		for _, msg := range msgs {
			if msg.Method == MethodInitialize && msg.Type() == MessageTypeRequest {
				state, err := s.sessions.create(ctx, SessionRoleServer)
				if err != nil {
					return SessionState{}, false, err
				}
				s.metrics.sessionCreated()
				s.logger.Debug("session created", slog.String("sessionID", state.ID))
				return state, true, nil
			}
		}
		return SessionState{}, false, ErrSessionRequired
	}
	state, err := s.sessions.resolve(ctx, sessionID)
	if err != nil {
		return SessionState{}, false, err
	}
	return state, false, nil
}

// handleMessages handles the messages of one inbound read in order and returns the replies.
func (s *Server) handleMessages(ctx context.Context, sessionID string, msgs []JSONRPCMessage) []JSONRPCMessage {
	s.sessions.touch(ctx, sessionID)

	var replies []JSONRPCMessage
	for _, msg := range msgs {
		if reply := s.handleMessage(ctx, sessionID, msg); reply != nil {
			replies = append(replies, *reply)
		}
	}
	return replies
}

func (s *Server) handleMessage(ctx context.Context, sessionID string, msg JSONRPCMessage) *JSONRPCMessage {
	s.recordInbound(ctx, sessionID, msg)

	if err := msg.Validate(); err != nil {
		if msg.Type() == MessageTypeNotification {
			s.logger.Info("dropped invalid notification",
				slog.String("sessionID", sessionID), slog.String("method", msg.Method))
			return nil
		}
		id := msg.ID
		if !id.Valid() {
			id = nil
		}
		return s.reply(ctx, sessionID, NewErrorResponse(id, asJSONRPCError(err)))
	}

	switch msg.Type() {
	case MessageTypeResponse, MessageTypeError:
		if !s.pending.resolve(sessionID, msg.ID.String(), msg) {
			s.logger.Debug("dropped uncorrelated response",
				slog.String("sessionID", sessionID), slog.String("id", msg.ID.String()))
		}
		return nil
	case MessageTypeNotification:
		s.handleNotification(ctx, sessionID, msg)
		return nil
	}
	return s.handleRequest(ctx, sessionID, msg)
}

func (s *Server) handleRequest(ctx context.Context, sessionID string, msg JSONRPCMessage) *JSONRPCMessage {
	logger := s.logger.With(slog.String("sessionID", sessionID), slog.String("method", msg.Method))

	state, err := s.sessions.resolve(ctx, sessionID)
	if err != nil {
		return s.reply(ctx, sessionID, NewErrorResponse(msg.ID, asJSONRPCError(err)))
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	reqID := msg.ID.String()
	s.inflight.add(sessionID, reqID, cancel)
	defer s.inflight.remove(sessionID, reqID)

	start := time.Now()
	result, err := s.router.dispatch(reqCtx, Call{
		Session: state,
		Method:  msg.Method,
		ID:      msg.ID,
		Params:  msg.Params,
	})
	s.metrics.dispatched(methodNamespace(msg.Method), err, time.Since(start))

	if err != nil {
		rpcErr := asJSONRPCError(err)
		if rpcErr.Code == InternalErrorCode {
			logger.Error("failed to handle request", slog.String("err", err.Error()))
		} else {
			logger.Debug("request failed", slog.String("err", err.Error()))
		}
		return s.reply(ctx, sessionID, NewErrorResponse(msg.ID, rpcErr))
	}

	if result == nil {
		result = struct{}{}
	}
	res, err := NewResponse(msg.ID, result, nil)
	if err != nil {
		logger.Error("failed to build response", slog.String("err", err.Error()))
		return s.reply(ctx, sessionID, NewErrorResponse(msg.ID, newError(InternalErrorCode, "Internal error")))
	}
	return s.reply(ctx, sessionID, res)
}

func (s *Server) reply(ctx context.Context, sessionID string, res Response) *JSONRPCMessage {
	msg := res.Message()
	s.recordOutbound(ctx, sessionID, msg)
	return &msg
}

func (s *Server) handleNotification(ctx context.Context, sessionID string, msg JSONRPCMessage) {
	logger := s.logger.With(slog.String("sessionID", sessionID), slog.String("method", msg.Method))

	state, err := s.sessions.resolve(ctx, sessionID)
	if err != nil {
		logger.Info("dropped notification", slog.String("err", err.Error()))
		return
	}
	if _, err := s.router.dispatch(ctx, Call{
		Session: state,
		Method:  msg.Method,
		Params:  msg.Params,
	}); err != nil {
		logger.Warn("failed to handle notification", slog.String("err", err.Error()))
	}
}

// sendPing pushes a ping request to the session and returns its id with a channel that
// receives the client's response.
func (s *Server) sendPing(ctx context.Context, sessionID string) (string, <-chan JSONRPCMessage, error) {
	id := StringID(uuid.NewString())
	req, err := NewRequest(id, MethodPing, nil)
	if err != nil {
		return "", nil, err
	}
	responses := s.pending.add(sessionID, id.String())
	if _, err := s.push(ctx, sessionID, req.Message()); err != nil {
		s.pending.remove(sessionID, id.String())
		return "", nil, err
	}
	return id.String(), responses, nil
}

func (s *Server) clientRequester(sessionID string) RequestClientFunc {
	return func(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
		// Override the message ID, so we can intercept the result correctly when it comes back.
		id := StringID(uuid.NewString())
		req, err := NewRequest(id, msg.Method, msg.Params)
		if err != nil {
			return JSONRPCMessage{}, err
		}
		responses := s.pending.add(sessionID, id.String())
		defer s.pending.remove(sessionID, id.String())

		if _, err := s.push(ctx, sessionID, req.Message()); err != nil {
			return JSONRPCMessage{}, err
		}

		select {
		case <-ctx.Done():
			return JSONRPCMessage{}, ctx.Err()
		case res, ok := <-responses:
			if !ok {
				return JSONRPCMessage{}, ErrSessionClosed
			}
			return res, nil
		}
	}
}

func (s *Server) progressReporter(sessionID string, token MustString) ProgressReporter {
	var guard progressGuard
	return func(params ProgressParams) error {
		if err := guard.advance(params.Progress); err != nil {
			return err
		}
		if token == "" {
			return nil
		}
		params.ProgressToken = token

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		return s.pushProgress(ctx, sessionID, params)
	}
}

func (s *Server) pushProgress(ctx context.Context, sessionID string, params ProgressParams) error {
	return s.Notify(ctx, sessionID, MethodNotificationsProgress, params)
}

func (s *Server) notifyTaskStatus(ctx context.Context, task Task) {
	err := s.Notify(ctx, task.SessionID, MethodNotificationsTasksStatus, task.Info(s.taskPollInterval))
	if err != nil {
		s.logger.Debug("failed to push task status",
			slog.String("sessionID", task.SessionID),
			slog.String("taskID", task.ID),
			slog.String("err", err.Error()))
	}
}

func (s *Server) checkTaskSession(ctx context.Context, sessionID string) error {
	_, err := s.sessions.resolve(ctx, sessionID)
	return err
}

func (s *Server) sessionClosed(state SessionState) {
	s.inflight.cancelSession(state.ID)
	s.pending.dropSession(state.ID)
	s.metrics.sessionClosed()
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(state.ID)
	}
}

func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	logger := s.logger.With(slog.String("component", "janitor"))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.sessionIdleTimeout > 0 {
			n, err := s.sessions.expire(ctx, s.sessionIdleTimeout)
			if err != nil {
				logger.Warn("failed to expire sessions", slog.String("err", err.Error()))
			} else if n > 0 {
				logger.Info("expired idle sessions", slog.Int("count", n))
			}
		}
		if s.eventRetention > 0 {
			n, err := s.store.DeleteEventsBefore(ctx, time.Now().Add(-s.eventRetention))
			if err != nil {
				logger.Warn("failed to delete old events", slog.String("err", err.Error()))
			} else if n > 0 {
				logger.Debug("deleted old events", slog.Int64("count", n))
			}
		}
	}
}
