package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// StreamableHTTPOption represents the options for the streamable HTTP transport.
type StreamableHTTPOption func(*StreamableHTTPServer)

// ResponseMode selects how POST replies are delivered.
type ResponseMode int

// TokenValidator checks a bearer token and returns the identity it belongs to.
type TokenValidator func(ctx context.Context, token string) (Identity, error)

// Identity is the authenticated caller of a request, available to handlers and interceptors
// through IdentityFromContext.
type Identity struct {
	Subject string
	Claims  map[string]any
}

// StreamableHTTPServer serves a Server over the streamable HTTP transport on a single
// endpoint: POST submits messages, GET opens the session's event stream and DELETE
// terminates the session.
type StreamableHTTPServer struct {
	server *Server
	logger *slog.Logger

	responseMode       ResponseMode
	heartbeatInterval  time.Duration
	heartbeatThreshold int
	writeTimeout       time.Duration
	maxBodySize        int64
	tokenValidator     TokenValidator

	streams   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

type identityContextKey struct{}

// Response modes of POST requests.
const (
	// ResponseModeJSON answers with a plain JSON body.
	ResponseModeJSON ResponseMode = iota
	// ResponseModeSSE answers with a single server-sent event.
	ResponseModeSSE
)

// SessionIDHeader carries the session id in both directions.
const SessionIDHeader = "Mcp-Session-Id"

const (
	lastEventIDHeader = "Last-Event-ID"

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
)

var (
	defaultHeartbeatInterval  = 30 * time.Second
	defaultHeartbeatThreshold = 3
	defaultWriteTimeout       = 10 * time.Second
	defaultMaxBodySize        = int64(4 << 20)
)

// NewStreamableHTTPServer creates a transport serving srv.
func NewStreamableHTTPServer(srv *Server, options ...StreamableHTTPOption) *StreamableHTTPServer {
	h := &StreamableHTTPServer{
		server:             srv,
		logger:             srv.logger.With(slog.String("component", "streamable-http")),
		heartbeatInterval:  defaultHeartbeatInterval,
		heartbeatThreshold: defaultHeartbeatThreshold,
		writeTimeout:       defaultWriteTimeout,
		maxBodySize:        defaultMaxBodySize,
		done:               make(chan struct{}),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// WithResponseMode sets how POST replies are delivered. The default is ResponseModeJSON.
func WithResponseMode(mode ResponseMode) StreamableHTTPOption {
	return func(h *StreamableHTTPServer) {
		h.responseMode = mode
	}
}

// WithHeartbeatInterval sets the interval between ping requests on open streams.
// Zero disables the heartbeat.
func WithHeartbeatInterval(interval time.Duration) StreamableHTTPOption {
	return func(h *StreamableHTTPServer) {
		h.heartbeatInterval = interval
	}
}

// WithHeartbeatThreshold sets how many consecutive unanswered pings close a stream.
func WithHeartbeatThreshold(threshold int) StreamableHTTPOption {
	return func(h *StreamableHTTPServer) {
		h.heartbeatThreshold = threshold
	}
}

// WithWriteTimeout bounds every single write to a stream. A write exceeding it aborts the stream.
func WithWriteTimeout(timeout time.Duration) StreamableHTTPOption {
	return func(h *StreamableHTTPServer) {
		h.writeTimeout = timeout
	}
}

// WithMaxBodySize limits the size of POST bodies.
func WithMaxBodySize(size int64) StreamableHTTPOption {
	return func(h *StreamableHTTPServer) {
		h.maxBodySize = size
	}
}

// WithTokenValidator requires a valid bearer token on every request.
func WithTokenValidator(validator TokenValidator) StreamableHTTPOption {
	return func(h *StreamableHTTPServer) {
		h.tokenValidator = validator
	}
}

// IdentityFromContext returns the identity the request was authenticated as.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// Shutdown stops accepting requests, ends open streams and waits for them to tear down.
func (h *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() { close(h.done) })

	finished := make(chan struct{})
	go func() {
		h.streams.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown streamable HTTP server: %w", ctx.Err())
	case <-finished:
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (h *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		writeHTTPError(w, http.StatusServiceUnavailable, newError(ServerErrorCode, "Server shutting down"))
		return
	default:
	}

	if h.tokenValidator != nil {
		identity, err := h.authenticate(r)
		if err != nil {
			h.logger.Info("rejected unauthenticated request", slog.String("err", err.Error()))
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeHTTPError(w, http.StatusUnauthorized, newError(InvalidRequestCode, "Unauthorized"))
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), identityContextKey{}, identity))
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeHTTPError(w, http.StatusMethodNotAllowed, newError(MethodNotFoundCode, "Method not allowed"))
	}
}

func (h *StreamableHTTPServer) authenticate(r *http.Request) (Identity, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Identity{}, errors.New("missing bearer token")
	}
	return h.tokenValidator(r.Context(), strings.TrimSpace(token))
}

func (h *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, contentTypeJSON) || !accepts(r, contentTypeEventStream) {
		writeHTTPError(w, http.StatusNotAcceptable, newError(NotAcceptableCode, "Not Acceptable"))
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != contentTypeJSON {
		writeHTTPError(w, http.StatusUnsupportedMediaType, newError(InvalidRequestCode, "Unsupported Media Type"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeHTTPError(w, http.StatusRequestEntityTooLarge, newError(InvalidRequestCode, "Request too large"))
			return
		}
		writeHTTPError(w, http.StatusBadRequest, newError(ParseErrorCode, "Parse error"))
		return
	}

	msgs, batch, err := ParseMessages(body)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, asJSONRPCError(err))
		return
	}

	ctx := r.Context()
	state, created, err := h.server.openSession(ctx, r.Header.Get(SessionIDHeader), msgs)
	if err != nil {
		writeHTTPError(w, sessionErrorStatus(err), asJSONRPCError(err))
		return
	}
	logger := h.logger.With(slog.String("sessionID", state.ID))

	replies := h.server.handleMessages(ctx, state.ID, msgs)

	if created {
		if initializeFailed(msgs, replies) {
			// The client never learns the id, so nothing else can reach this session.
			if _, _, err := h.server.sessions.close(ctx, state.ID); err != nil {
				logger.Warn("failed to close rejected session", slog.String("err", err.Error()))
			}
		} else {
			w.Header().Set(SessionIDHeader, state.ID)
		}
	}

	if len(replies) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload any = replies
	if !batch {
		payload = replies[0]
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal replies", slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusInternalServerError, newError(InternalErrorCode, "Internal error"))
		return
	}

	if h.responseMode == ResponseModeJSON {
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			logger.Debug("failed to write response", slog.String("err", err.Error()))
		}
		return
	}

	ev, err := h.server.appendEvent(ctx, state.ID, data)
	if err != nil {
		logger.Error("failed to store reply event", slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusInternalServerError, newError(InternalErrorCode, "Internal error"))
		return
	}
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("failed to upgrade response", slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusInternalServerError, newError(InternalErrorCode, "Internal error"))
		return
	}
	setStreamHeaders(w)
	if err := h.writeEvent(w, sess, ev); err != nil {
		logger.Warn("failed to write reply event",
			slog.Int64("lastEventID", ev.ID), slog.String("err", err.Error()))
	}
}

func (h *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, contentTypeEventStream) {
		writeHTTPError(w, http.StatusNotAcceptable, newError(NotAcceptableCode, "Not Acceptable"))
		return
	}
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		writeHTTPError(w, http.StatusBadRequest, newError(InvalidRequestCode, "Missing session id"))
		return
	}

	ctx := r.Context()
	state, err := h.server.sessions.resolve(ctx, sessionID)
	if err == nil && !state.Initialized {
		err = ErrSessionNotInitialized
	}
	if err != nil {
		if errors.Is(err, ErrSessionNotInitialized) {
			writeHTTPError(w, http.StatusNotFound, newError(ResourceNotFoundCode, "Session not initialized"))
			return
		}
		writeHTTPError(w, sessionErrorStatus(err), asJSONRPCError(err))
		return
	}

	lastEventID, err := parseLastEventID(r.Header.Get(lastEventIDHeader))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, newError(InvalidRequestCode, "Invalid Last-Event-ID"))
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Error("failed to upgrade stream", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusInternalServerError, newError(InternalErrorCode, "Internal error"))
		return
	}
	setStreamHeaders(w)

	h.streams.Add(1)
	defer h.streams.Done()

	h.stream(ctx, w, sess, sessionID, lastEventID)
}

// stream serves the session's events until the client leaves, the session closes, a write
// fails or the heartbeat gives up.
func (h *StreamableHTTPServer) stream(
	ctx context.Context,
	w http.ResponseWriter,
	sess *sse.Session,
	sessionID string,
	lastEventID int64,
) {
	logger := h.logger.With(slog.String("sessionID", sessionID))

	// Subscribe before replaying so nothing pushed in between is lost; the replayed ids
	// filter out the overlap.
	events, unsubscribe := h.server.broker.Subscribe(sessionID)
	h.server.metrics.streamOpened()

	var heartbeat <-chan time.Time
	var ticker *time.Ticker
	if h.heartbeatInterval > 0 {
		ticker = time.NewTicker(h.heartbeatInterval)
		heartbeat = ticker.C
	}
	var pingID string
	var pong <-chan JSONRPCMessage
	var exitErr error

	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		if pingID != "" {
			h.server.pending.remove(sessionID, pingID)
		}
		unsubscribe()
		h.server.metrics.streamClosed()

		if exitErr != nil {
			logger.Warn("stream closed", slog.Int64("lastEventID", lastEventID), slog.String("err", exitErr.Error()))
			return
		}
		logger.Debug("stream closed", slog.Int64("lastEventID", lastEventID))
	}()

	if err := sess.Flush(); err != nil {
		exitErr = fmt.Errorf("failed to flush headers: %w", err)
		return
	}

	missed, err := h.server.store.EventsAfter(ctx, sessionID, lastEventID)
	if err != nil {
		exitErr = fmt.Errorf("failed to replay events: %w", err)
		return
	}
	for _, ev := range missed {
		if err := h.writeEvent(w, sess, ev); err != nil {
			exitErr = fmt.Errorf("failed to replay event: %w", err)
			return
		}
		lastEventID = ev.ID
	}

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				// Unsubscribed: the session closed or another stream took over.
				return
			}
			if ev.ID <= lastEventID {
				continue
			}
			if ev.ID > lastEventID+1 {
				if err := h.backfill(ctx, w, sess, sessionID, lastEventID, ev.ID); err != nil {
					exitErr = err
					return
				}
			}
			if err := h.writeEvent(w, sess, ev); err != nil {
				exitErr = fmt.Errorf("failed to write event: %w", err)
				return
			}
			lastEventID = ev.ID
		case <-pong:
			pong, pingID, misses = nil, "", 0
		case <-heartbeat:
			if pong != nil {
				misses++
				h.server.metrics.heartbeatMissed()
				h.server.pending.remove(sessionID, pingID)
				pong, pingID = nil, ""
			}
			if misses >= h.heartbeatThreshold {
				exitErr = fmt.Errorf("client missed %d pings", misses)
				return
			}
			id, responses, err := h.server.sendPing(ctx, sessionID)
			if err != nil {
				exitErr = fmt.Errorf("failed to send ping: %w", err)
				return
			}
			pingID, pong = id, responses
		}
	}
}

// backfill writes the pushed events with ids in (after, before) that the broker dropped.
// Replies delivered on POST responses also take ids from the same counter and are skipped.
func (h *StreamableHTTPServer) backfill(
	ctx context.Context,
	w http.ResponseWriter,
	sess *sse.Session,
	sessionID string,
	after, before int64,
) error {
	events, err := h.server.store.EventsAfter(ctx, sessionID, after)
	if err != nil {
		return fmt.Errorf("failed to backfill events: %w", err)
	}
	for _, ev := range events {
		if ev.ID >= before {
			break
		}
		if !pushedEvent(ev) {
			continue
		}
		if err := h.writeEvent(w, sess, ev); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	return nil
}

// pushedEvent reports whether ev holds a server initiated message rather than a reply.
func pushedEvent(ev Event) bool {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(ev.Data, &probe); err != nil {
		// Batched replies are arrays.
		return false
	}
	return probe.Method != ""
}

func (h *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		writeHTTPError(w, http.StatusBadRequest, newError(InvalidRequestCode, "Missing session id"))
		return
	}
	if _, _, err := h.server.sessions.close(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeHTTPError(w, http.StatusNotFound, asJSONRPCError(err))
			return
		}
		h.logger.Error("failed to close session", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		writeHTTPError(w, http.StatusInternalServerError, newError(InternalErrorCode, "Internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEvent writes one framed event under the write timeout.
func (h *StreamableHTTPServer) writeEvent(w http.ResponseWriter, sess *sse.Session, ev Event) error {
	rc := http.NewResponseController(w)
	if h.writeTimeout > 0 {
		if err := rc.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil &&
			!errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}

	msg := &sse.Message{ID: sse.ID(strconv.FormatInt(ev.ID, 10))}
	msg.AppendData(string(ev.Data))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", contentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func accepts(r *http.Request, mediaType string) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mt == mediaType || mt == "*/*" {
				return true
			}
		}
	}
	return false
}

func parseLastEventID(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid event id %q", v)
	}
	return id, nil
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionRequired):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionClosed):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func initializeFailed(msgs, replies []JSONRPCMessage) bool {
	for _, msg := range msgs {
		if msg.Method != MethodInitialize || msg.Type() != MessageTypeRequest {
			continue
		}
		for _, r := range replies {
			if r.ID.String() == msg.ID.String() {
				return r.Error != nil
			}
		}
	}
	return true
}

func writeHTTPError(w http.ResponseWriter, status int, rpcErr JSONRPCError) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(nil, rpcErr))
}
