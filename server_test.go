package mcp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

const testTimeout = 5 * time.Second

type mockToolServer struct {
	lock       sync.Mutex
	callParams []mcp.CallToolParams

	call func(
		ctx context.Context,
		params mcp.CallToolParams,
		progress mcp.ProgressReporter,
		requestClient mcp.RequestClientFunc,
	) (mcp.CallToolResult, error)
}

type mockLogHandler struct {
	params chan mcp.LogParams
}

type mockRootsListWatcher struct {
	lock     sync.Mutex
	sessions []string
}

// testClient drives a Server through the stdio transport over in-memory pipes.
type testClient struct {
	t      *testing.T
	srv    *mcp.Server
	stdio  *mcp.StdIOServer
	in     *io.PipeWriter
	lines  chan []byte
	stash  []mcp.JSONRPCMessage
	nextID int64

	served   chan struct{}
	serveErr error
}

func (m *mockToolServer) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}, {Name: "hidden"}}}, nil
}

func (m *mockToolServer) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	m.lock.Lock()
	m.callParams = append(m.callParams, params)
	call := m.call
	m.lock.Unlock()

	if call == nil {
		return textResult("called " + params.Name), nil
	}
	return call(ctx, params, progress, requestClient)
}

func (m *mockLogHandler) LogStreams(ctx context.Context) iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case params := <-m.params:
				if !yield(params) {
					return
				}
			}
		}
	}
}

func (m *mockRootsListWatcher) OnRootsListChanged(_ context.Context, sessionID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sessions = append(m.sessions, sessionID)
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}}
}

func newTestClient(t *testing.T, options ...mcp.ServerOption) *testClient {
	t.Helper()

	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, options...)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	c := &testClient{
		t:      t,
		srv:    srv,
		stdio:  mcp.NewStdIOServer(srv, inR, outW),
		in:     inW,
		lines:  make(chan []byte, 256),
		served: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	go func() {
		defer close(ran)
		_ = srv.Run(ctx)
	}()
	go func() {
		defer close(c.served)
		c.serveErr = c.stdio.Serve(ctx)
	}()
	go func() {
		defer close(c.lines)
		reader := bufio.NewReader(outR)
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				c.lines <- line
			}
			if err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-c.served:
		case <-time.After(testTimeout):
			t.Error("stdio server did not stop")
		}
		cancel()
		<-ran
		_ = outW.Close()
	})
	return c
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	if _, err := io.WriteString(c.in, raw+"\n"); err != nil {
		c.t.Fatalf("failed to write message: %v", err)
	}
}

func (c *testClient) sendMessage(msg any) {
	c.t.Helper()
	bs, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("failed to marshal message: %v", err)
	}
	c.send(string(bs))
}

func (c *testClient) notify(method string, params any) {
	c.t.Helper()
	n, err := mcp.NewNotification(method, params)
	if err != nil {
		c.t.Fatalf("failed to build notification: %v", err)
	}
	c.sendMessage(n)
}

// call sends a request and returns its id without waiting for the response.
func (c *testClient) call(method string, params any) mcp.RequestID {
	c.t.Helper()
	c.nextID++
	id := mcp.IntID(c.nextID)
	req, err := mcp.NewRequest(id, method, params)
	if err != nil {
		c.t.Fatalf("failed to build request: %v", err)
	}
	c.sendMessage(req)
	return id
}

func (c *testClient) request(method string, params any) mcp.JSONRPCMessage {
	c.t.Helper()
	return c.response(c.call(method, params))
}

func (c *testClient) response(id mcp.RequestID) mcp.JSONRPCMessage {
	c.t.Helper()
	return c.waitFor(func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == "" && msg.ID.String() == id.String()
	})
}

func (c *testClient) readLine() []byte {
	c.t.Helper()
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.t.Fatal("server output closed")
		}
		return line
	case <-time.After(testTimeout):
		c.t.Fatal("timed out waiting for a message")
	}
	return nil
}

// waitFor returns the first message matching match. Messages read past are kept for later
// calls.
func (c *testClient) waitFor(match func(mcp.JSONRPCMessage) bool) mcp.JSONRPCMessage {
	c.t.Helper()
	for i, msg := range c.stash {
		if match(msg) {
			c.stash = slices.Delete(c.stash, i, i+1)
			return msg
		}
	}
	for {
		line := c.readLine()
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.t.Fatalf("failed to decode %s: %v", line, err)
		}
		if match(msg) {
			return msg
		}
		c.stash = append(c.stash, msg)
	}
}

func (c *testClient) waitForMethod(method string) mcp.JSONRPCMessage {
	c.t.Helper()
	return c.waitFor(func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == method
	})
}

// sync returns once every line sent before it has been processed.
func (c *testClient) sync() {
	c.t.Helper()
	if res := c.request(mcp.MethodPing, nil); res.Error != nil {
		c.t.Fatalf("ping failed: %v", res.Error)
	}
}

func (c *testClient) initialize(capabilities string) mcp.JSONRPCMessage {
	c.t.Helper()
	return c.request(mcp.MethodInitialize, json.RawMessage(fmt.Sprintf(
		`{"protocolVersion":%q,"capabilities":%s,"clientInfo":{"name":"test-client","version":"1.0"}}`,
		mcp.LatestProtocolVersion, capabilities)))
}

// handshake runs a complete initialize exchange and returns the session id.
func (c *testClient) handshake() string {
	c.t.Helper()
	if res := c.initialize(`{"roots":{"listChanged":true},"sampling":{}}`); res.Error != nil {
		c.t.Fatalf("initialize failed: %v", res.Error)
	}
	c.notify(mcp.MethodNotificationsInitialized, nil)
	c.sync()
	return c.stdio.SessionID()
}

func decodeResult(t *testing.T, msg mcp.JSONRPCMessage, v any) {
	t.Helper()
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %v", *msg.Error)
	}
	if err := json.Unmarshal(msg.Result, v); err != nil {
		t.Fatalf("failed to decode result %s: %v", msg.Result, err)
	}
}

func expectErrorCode(t *testing.T, msg mcp.JSONRPCMessage, code int) {
	t.Helper()
	if msg.Error == nil {
		t.Fatalf("expected error %d, got result %s", code, msg.Result)
	}
	if msg.Error.Code != code {
		t.Errorf("error code = %d (%s), want %d", msg.Error.Code, msg.Error.Message, code)
	}
}

func TestHandshake(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mcp.WithToolServer(&mockToolServer{}), mcp.WithInstructions("be nice"))

	expectErrorCode(t, c.request(mcp.MethodPing, nil), mcp.InvalidRequestCode)

	var initRes struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcp.Info               `json:"serverInfo"`
		Instructions    string                 `json:"instructions"`
	}
	decodeResult(t, c.initialize(`{}`), &initRes)
	if initRes.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo.name = %q, want %q", initRes.ServerInfo.Name, "test-server")
	}
	if initRes.Instructions != "be nice" {
		t.Errorf("instructions = %q, want %q", initRes.Instructions, "be nice")
	}
	if initRes.Capabilities.Tools == nil || initRes.Capabilities.Tasks == nil {
		t.Errorf("capabilities = %+v, want tools and tasks", initRes.Capabilities)
	}

	sessionID := c.stdio.SessionID()
	state, err := c.srv.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if state.Status != mcp.SessionPreInitialize || !state.InitializeAnswered {
		t.Errorf("session after initialize = %s (answered %v), want pre_initialize and answered",
			state.Status, state.InitializeAnswered)
	}

	expectErrorCode(t, c.request(mcp.MethodToolsList, nil), mcp.InvalidRequestCode)

	// Without client capabilities the handshake cannot complete.
	c.notify(mcp.MethodNotificationsInitialized, nil)
	c.sync()
	if state, _ := c.srv.Session(ctx, sessionID); state.Status != mcp.SessionPreInitialize {
		t.Errorf("session status = %s, want %s", state.Status, mcp.SessionPreInitialize)
	}

	c.notify(mcp.MethodNotificationsInitialized, json.RawMessage(`{"capabilities":{"roots":{"listChanged":true}}}`))
	c.sync()
	state, err = c.srv.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if state.Status != mcp.SessionInitialized || !state.Initialized {
		t.Errorf("session status = %s, want %s", state.Status, mcp.SessionInitialized)
	}
	if state.ClientCapabilities.Roots == nil || !state.ClientCapabilities.Roots.ListChanged {
		t.Errorf("client capabilities = %+v, want roots.listChanged", state.ClientCapabilities)
	}

	var tools mcp.ListToolsResult
	decodeResult(t, c.request(mcp.MethodToolsList, nil), &tools)
	if len(tools.Tools) != 2 {
		t.Errorf("got %d tools, want 2", len(tools.Tools))
	}

	expectErrorCode(t, c.initialize(`{"sampling":{}}`), mcp.InvalidRequestCode)
}

func TestInitializeNegotiatesProtocolVersion(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{name: "latest", requested: mcp.LatestProtocolVersion, want: mcp.LatestProtocolVersion},
		{name: "older supported", requested: "2024-11-05", want: "2024-11-05"},
		{name: "unsupported", requested: "1999-01-01", want: mcp.LatestProtocolVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t)

			var res struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			decodeResult(t, c.request(mcp.MethodInitialize, json.RawMessage(fmt.Sprintf(
				`{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"c","version":"1"}}`,
				tt.requested))), &res)
			if res.ProtocolVersion != tt.want {
				t.Errorf("protocolVersion = %q, want %q", res.ProtocolVersion, tt.want)
			}
		})
	}
}

func TestInitializeValidatesParams(t *testing.T) {
	c := newTestClient(t, mcp.WithRequireSamplingClient())

	expectErrorCode(t, c.request(mcp.MethodInitialize, json.RawMessage(`{"capabilities":{}}`)),
		mcp.InvalidParamsCode)
	expectErrorCode(t, c.initialize(`{"roots":{}}`), mcp.InvalidParamsCode)

	// A rejected initialize leaves the session open for another attempt.
	if res := c.initialize(`{"sampling":{}}`); res.Error != nil {
		t.Errorf("initialize with sampling failed: %v", *res.Error)
	}
}

func TestUnknownMethods(t *testing.T) {
	c := newTestClient(t)
	c.handshake()

	expectErrorCode(t, c.request("tools/list", nil), mcp.MethodNotFoundCode)
	expectErrorCode(t, c.request("acme/anything", nil), mcp.MethodNotFoundCode)
	expectErrorCode(t, c.request(mcp.MethodLoggingSetLevel, json.RawMessage(`{"level":"loud"}`)),
		mcp.InvalidParamsCode)
}

func TestEnabledTools(t *testing.T) {
	tools := &mockToolServer{}
	c := newTestClient(t, mcp.WithToolServer(tools), mcp.WithEnabledTools("echo"))
	c.handshake()

	var list mcp.ListToolsResult
	decodeResult(t, c.request(mcp.MethodToolsList, nil), &list)
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v, want only echo", list.Tools)
	}

	expectErrorCode(t, c.request(mcp.MethodToolsCall, mcp.CallToolParams{Name: "hidden"}), mcp.InvalidParamsCode)

	var res mcp.CallToolResult
	decodeResult(t, c.request(mcp.MethodToolsCall, mcp.CallToolParams{Name: "echo"}), &res)
	if len(res.Content) != 1 || res.Content[0].Text != "called echo" {
		t.Errorf("result = %+v, want the echo result", res)
	}
}

func TestToolErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantError bool
	}{
		{
			name:      "execution failure",
			err:       errors.New("disk on fire"),
			wantError: true,
		},
		{
			name:     "unknown tool",
			err:      mcp.ErrToolNotFound,
			wantCode: mcp.InvalidParamsCode,
		},
		{
			name:     "invalid arguments",
			err:      fmt.Errorf("%w: missing message", mcp.ErrInvalidArguments),
			wantCode: mcp.InvalidParamsCode,
		},
		{
			name:     "protocol error",
			err:      mcp.JSONRPCError{Code: -32050, Message: "quota exceeded"},
			wantCode: -32050,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tools := &mockToolServer{
				call: func(context.Context, mcp.CallToolParams, mcp.ProgressReporter,
					mcp.RequestClientFunc,
				) (mcp.CallToolResult, error) {
					return mcp.CallToolResult{}, tt.err
				},
			}
			c := newTestClient(t, mcp.WithToolServer(tools))
			c.handshake()

			msg := c.request(mcp.MethodToolsCall, mcp.CallToolParams{Name: "echo"})
			if tt.wantCode != 0 {
				expectErrorCode(t, msg, tt.wantCode)
				return
			}

			var res mcp.CallToolResult
			decodeResult(t, msg, &res)
			if res.IsError != tt.wantError {
				t.Errorf("isError = %v, want %v", res.IsError, tt.wantError)
			}
			if len(res.Content) != 1 || res.Content[0].Text != "tool execution failed" {
				t.Errorf("content = %+v, want a generic failure message", res.Content)
			}
		})
	}
}

func TestProgressMustIncrease(t *testing.T) {
	ctx := context.Background()
	store := mcp.NewMemoryStore()

	var rejected error
	tools := &mockToolServer{
		call: func(_ context.Context, _ mcp.CallToolParams, progress mcp.ProgressReporter,
			_ mcp.RequestClientFunc,
		) (mcp.CallToolResult, error) {
			for _, p := range []float64{1, 2} {
				if err := progress(mcp.ProgressParams{Progress: p, Total: 3}); err != nil {
					return mcp.CallToolResult{}, err
				}
			}
			rejected = progress(mcp.ProgressParams{Progress: 2, Total: 3})
			return textResult("done"), nil
		},
	}
	c := newTestClient(t, mcp.WithToolServer(tools), mcp.WithStore(store))
	sessionID := c.handshake()

	res := c.request(mcp.MethodToolsCall, json.RawMessage(`{"name":"echo","_meta":{"progressToken":"tok"}}`))
	if res.Error != nil {
		t.Fatalf("tools/call failed: %v", *res.Error)
	}
	if !errors.Is(rejected, mcp.ErrProgressNotIncreasing) {
		t.Errorf("repeated progress error = %v, want %v", rejected, mcp.ErrProgressNotIncreasing)
	}

	var last float64
	for range 2 {
		var params mcp.ProgressParams
		if err := json.Unmarshal(c.waitForMethod(mcp.MethodNotificationsProgress).Params, &params); err != nil {
			t.Fatalf("failed to decode progress: %v", err)
		}
		if params.ProgressToken != "tok" {
			t.Errorf("progressToken = %q, want %q", params.ProgressToken, "tok")
		}
		if params.Progress <= last {
			t.Errorf("progress %v did not increase past %v", params.Progress, last)
		}
		last = params.Progress
	}

	events, err := store.EventsAfter(ctx, sessionID, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	progressEvents := 0
	for _, ev := range events {
		if bytes.Contains(ev.Data, []byte(mcp.MethodNotificationsProgress)) {
			progressEvents++
		}
	}
	if progressEvents != 2 {
		t.Errorf("stored %d progress notifications, want 2", progressEvents)
	}
}

func TestRequestClient(t *testing.T) {
	ctx := context.Background()
	store := mcp.NewMemoryStore()

	tools := &mockToolServer{
		call: func(ctx context.Context, _ mcp.CallToolParams, _ mcp.ProgressReporter,
			requestClient mcp.RequestClientFunc,
		) (mcp.CallToolResult, error) {
			res, err := requestClient(ctx, mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Method:  mcp.MethodSamplingCreateMessage,
				Params:  json.RawMessage(`{"maxTokens":10}`),
			})
			if err != nil {
				return mcp.CallToolResult{}, err
			}
			var sampled struct {
				Content mcp.Content `json:"content"`
			}
			if err := json.Unmarshal(res.Result, &sampled); err != nil {
				return mcp.CallToolResult{}, err
			}
			return textResult("sampled: " + sampled.Content.Text), nil
		},
	}
	c := newTestClient(t, mcp.WithToolServer(tools), mcp.WithStore(store))
	sessionID := c.handshake()

	id := c.call(mcp.MethodToolsCall, mcp.CallToolParams{Name: "echo"})

	req := c.waitForMethod(mcp.MethodSamplingCreateMessage)
	if !req.ID.Valid() {
		t.Fatalf("sampling request has invalid id %s", req.ID)
	}
	c.sendMessage(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      req.ID,
		Result:  json.RawMessage(`{"role":"assistant","content":{"type":"text","text":"hello"}}`),
	})

	var res mcp.CallToolResult
	decodeResult(t, c.response(id), &res)
	if len(res.Content) != 1 || res.Content[0].Text != "sampled: hello" {
		t.Errorf("result = %+v, want the sampled text", res)
	}

	msgs, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	found := false
	for _, msg := range msgs {
		if msg.Direction == mcp.DirectionServer && msg.Method == mcp.MethodSamplingCreateMessage {
			found = true
			if !msg.Acknowledged {
				t.Error("sampling request not acknowledged by the client response")
			}
		}
	}
	if !found {
		t.Error("sampling request missing from the message log")
	}
}

func TestPingIsLogged(t *testing.T) {
	ctx := context.Background()
	store := mcp.NewMemoryStore()
	c := newTestClient(t, mcp.WithStore(store))
	sessionID := c.handshake()

	id := c.call(mcp.MethodPing, nil)
	if res := c.response(id); res.Error != nil {
		t.Fatalf("ping failed: %v", *res.Error)
	}

	msgs, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	var ping, pong *mcp.Message
	for i := range msgs {
		if msgs[i].JSONRPCID != id.String() {
			continue
		}
		switch msgs[i].Type {
		case mcp.MessageTypeRequest:
			ping = &msgs[i]
		case mcp.MessageTypeResponse:
			pong = &msgs[i]
		}
	}
	if ping == nil || pong == nil {
		t.Fatalf("ping exchange missing from the message log: %+v", msgs)
	}
	if !ping.IsPing || !ping.Acknowledged {
		t.Errorf("ping = %+v, want an acknowledged ping", *ping)
	}
	if !pong.IsPing {
		t.Errorf("pong = %+v, want a ping", *pong)
	}
}

func TestCancelledRequest(t *testing.T) {
	started := make(chan struct{})
	tools := &mockToolServer{
		call: func(ctx context.Context, _ mcp.CallToolParams, _ mcp.ProgressReporter,
			_ mcp.RequestClientFunc,
		) (mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return mcp.CallToolResult{}, ctx.Err()
		},
	}
	c := newTestClient(t, mcp.WithToolServer(tools))
	c.handshake()

	id := c.call(mcp.MethodToolsCall, mcp.CallToolParams{Name: "echo"})
	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("tool never started")
	}
	c.notify(mcp.MethodNotificationsCancelled, map[string]any{"requestId": id, "reason": "changed my mind"})

	expectErrorCode(t, c.response(id), mcp.ServerErrorCode)
}

func TestLogLevelFiltering(t *testing.T) {
	logs := &mockLogHandler{params: make(chan mcp.LogParams, 2)}
	c := newTestClient(t, mcp.WithLogHandler(logs))
	c.handshake()

	if res := c.request(mcp.MethodLoggingSetLevel, mcp.SetLogLevelParams{Level: mcp.LogLevelError}); res.Error != nil {
		t.Fatalf("logging/setLevel failed: %v", *res.Error)
	}

	logs.params <- mcp.LogParams{Level: mcp.LogLevelWarning, Data: json.RawMessage(`"filtered"`)}
	logs.params <- mcp.LogParams{Level: mcp.LogLevelCritical, Logger: "db", Data: json.RawMessage(`"delivered"`)}

	var params mcp.LogParams
	if err := json.Unmarshal(c.waitForMethod(mcp.MethodNotificationsMessage).Params, &params); err != nil {
		t.Fatalf("failed to decode log: %v", err)
	}
	if string(params.Data) != `"delivered"` || params.Level != mcp.LogLevelCritical || params.Logger != "db" {
		t.Errorf("log = %+v, want the critical message", params)
	}
}

func TestRootsListChanged(t *testing.T) {
	watcher := &mockRootsListWatcher{}
	c := newTestClient(t, mcp.WithRootsListWatcher(watcher))
	sessionID := c.handshake()

	c.notify("notifications/roots/list_changed", nil)
	c.sync()

	watcher.lock.Lock()
	defer watcher.lock.Unlock()
	if len(watcher.sessions) != 1 || watcher.sessions[0] != sessionID {
		t.Errorf("watcher saw sessions %v, want [%s]", watcher.sessions, sessionID)
	}
}

func TestResourceSubscriptions(t *testing.T) {
	reg := mcp.NewRegistry()
	for _, uri := range []string{"test://a", "test://b"} {
		err := reg.AddResource(mcp.Resource{URI: uri, Name: uri}, func(_ context.Context, uri string) (
			[]mcp.ResourceContents, error,
		) {
			return []mcp.ResourceContents{{URI: uri, Text: "content"}}, nil
		})
		if err != nil {
			t.Fatalf("failed to add resource: %v", err)
		}
	}
	c := newTestClient(t, mcp.WithRegistry(reg))
	c.handshake()

	if res := c.request(mcp.MethodResourcesSubscribe, mcp.SubscribeResourceParams{URI: "test://a"}); res.Error != nil {
		t.Fatalf("resources/subscribe failed: %v", *res.Error)
	}

	reg.ResourceUpdated("test://b")
	reg.ResourceUpdated("test://a")

	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(c.waitForMethod("notifications/resources/updated").Params, &params); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	if params.URI != "test://a" {
		t.Errorf("update for %q, want only subscribed test://a", params.URI)
	}
}

func TestInterceptorsAndCustomMethods(t *testing.T) {
	var (
		lock    sync.Mutex
		methods []string
	)
	record := func(ctx context.Context, call mcp.Call, next mcp.HandlerFunc) (any, error) {
		lock.Lock()
		methods = append(methods, call.Method)
		lock.Unlock()
		return next(ctx, call)
	}
	block := func(ctx context.Context, call mcp.Call, next mcp.HandlerFunc) (any, error) {
		if call.Method == "acme/blocked" {
			return nil, mcp.JSONRPCError{Code: -32099, Message: "blocked"}
		}
		return next(ctx, call)
	}
	custom := func(_ context.Context, call mcp.Call) (any, bool, error) {
		if call.Method == "acme/skip" {
			return nil, false, nil
		}
		return call.Params, true, nil
	}

	c := newTestClient(t,
		mcp.WithInterceptors(record, block),
		mcp.WithCustomMethodHandler(custom))

	expectErrorCode(t, c.request("acme/echo", json.RawMessage(`{"x":1}`)), mcp.InvalidRequestCode)
	c.handshake()

	res := c.request("acme/echo", json.RawMessage(`{"x":1}`))
	if res.Error != nil {
		t.Fatalf("acme/echo failed: %v", *res.Error)
	}
	if string(res.Result) != `{"x":1}` {
		t.Errorf("acme/echo result = %s, want the params", res.Result)
	}

	expectErrorCode(t, c.request("acme/skip", nil), mcp.MethodNotFoundCode)
	expectErrorCode(t, c.request("tools/unknown", json.RawMessage(`{}`)), mcp.MethodNotFoundCode)
	expectErrorCode(t, c.request("acme/blocked", nil), -32099)

	lock.Lock()
	defer lock.Unlock()
	for _, want := range []string{mcp.MethodInitialize, mcp.MethodNotificationsInitialized, "acme/echo", "acme/blocked"} {
		if !slices.Contains(methods, want) {
			t.Errorf("interceptor did not see %s; saw %v", want, methods)
		}
	}
}

func TestClosedSession(t *testing.T) {
	ctx := context.Background()
	disconnected := make(chan string, 2)
	c := newTestClient(t, mcp.WithServerOnClientDisconnected(func(id string) {
		disconnected <- id
	}))
	sessionID := c.handshake()

	for range 2 {
		if err := c.srv.CloseSession(ctx, sessionID); err != nil {
			t.Fatalf("CloseSession() error = %v", err)
		}
	}
	state, err := c.srv.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if state.Status != mcp.SessionClosed || state.ClosedAt == nil {
		t.Errorf("session = %s closed at %v, want closed", state.Status, state.ClosedAt)
	}
	if len(disconnected) != 1 {
		t.Errorf("disconnect callback ran %d times, want 1", len(disconnected))
	}

	expectErrorCode(t, c.request(mcp.MethodPing, nil), mcp.ResourceNotFoundCode)
	if err := c.srv.Notify(ctx, sessionID, mcp.MethodNotificationsMessage, nil); !errors.Is(err, mcp.ErrSessionClosed) {
		t.Errorf("Notify() on closed session error = %v, want %v", err, mcp.ErrSessionClosed)
	}
}

func TestTaskAugmentedToolCall(t *testing.T) {
	tools := &mockToolServer{}
	c := newTestClient(t, mcp.WithToolServer(tools), mcp.WithTaskPollInterval(50*time.Millisecond))
	c.handshake()

	var created mcp.CreateTaskResult
	decodeResult(t, c.request(mcp.MethodToolsCall, json.RawMessage(`{"name":"echo","task":{"ttl":60000}}`)), &created)
	taskID := created.Task.TaskID
	if taskID == "" {
		t.Fatal("tools/call returned no task id")
	}
	if created.Task.TTL == nil || *created.Task.TTL != 60000 {
		t.Errorf("task ttl = %v, want 60000", created.Task.TTL)
	}
	if created.Task.PollInterval != 50 {
		t.Errorf("pollInterval = %d, want 50", created.Task.PollInterval)
	}

	var status mcp.TaskInfo
	if err := json.Unmarshal(c.waitFor(func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == mcp.MethodNotificationsTasksStatus && bytes.Contains(msg.Params, []byte(taskID))
	}).Params, &status); err != nil {
		t.Fatalf("failed to decode task status: %v", err)
	}
	if status.Status != mcp.TaskCompleted {
		t.Errorf("task status notification = %s, want %s", status.Status, mcp.TaskCompleted)
	}

	var info mcp.TaskInfo
	decodeResult(t, c.request(mcp.MethodTasksGet, mcp.GetTaskParams{TaskID: taskID}), &info)
	if info.Status != mcp.TaskCompleted {
		t.Errorf("tasks/get status = %s, want %s", info.Status, mcp.TaskCompleted)
	}

	var result mcp.TaskResultResult
	decodeResult(t, c.request(mcp.MethodTasksResult, mcp.TaskResultParams{TaskID: taskID}), &result)
	var toolResult mcp.CallToolResult
	if err := json.Unmarshal(result.Result, &toolResult); err != nil {
		t.Fatalf("failed to decode task result: %v", err)
	}
	if len(toolResult.Content) != 1 || toolResult.Content[0].Text != "called echo" {
		t.Errorf("task result = %+v, want the echo result", toolResult)
	}

	var list mcp.ListTasksResult
	decodeResult(t, c.request(mcp.MethodTasksList, nil), &list)
	if len(list.Tasks) != 1 || list.Tasks[0].TaskID != taskID {
		t.Errorf("tasks/list = %+v, want the one task", list.Tasks)
	}

	var cancelled mcp.TaskInfo
	decodeResult(t, c.request(mcp.MethodTasksCancel, mcp.CancelTaskParams{TaskID: taskID}), &cancelled)
	if cancelled.Status != mcp.TaskCompleted {
		t.Errorf("tasks/cancel on a completed task changed status to %s", cancelled.Status)
	}

	expectErrorCode(t, c.request(mcp.MethodTasksGet, mcp.GetTaskParams{TaskID: "missing"}), mcp.InvalidParamsCode)
}

func TestTaskAugmentedToolCallIsValidatedFirst(t *testing.T) {
	reg := mcp.NewRegistry()
	if err := reg.AddTool(mcp.Tool{Name: "echo", InputSchema: json.RawMessage(echoSchema)}, echoTool); err != nil {
		t.Fatalf("AddTool() error = %v", err)
	}
	c := newTestClient(t, mcp.WithRegistry(reg))
	c.handshake()

	tests := []struct {
		name   string
		params string
	}{
		{name: "unknown tool", params: `{"name":"nope","task":{}}`},
		{name: "missing required argument", params: `{"name":"echo","arguments":{},"task":{}}`},
		{name: "wrong argument type", params: `{"name":"echo","arguments":{"message":1},"task":{}}`},
	}

	for _, tt := range tests {
		res := c.request(mcp.MethodToolsCall, json.RawMessage(tt.params))
		if res.Error == nil || res.Error.Code != mcp.InvalidParamsCode {
			t.Errorf("%s: tools/call = %+v, want invalid params", tt.name, res)
		}
	}

	var list mcp.ListTasksResult
	decodeResult(t, c.request(mcp.MethodTasksList, nil), &list)
	if len(list.Tasks) != 0 {
		t.Errorf("tasks/list = %+v, want no tasks for rejected calls", list.Tasks)
	}

	var created mcp.CreateTaskResult
	decodeResult(t, c.request(mcp.MethodToolsCall,
		json.RawMessage(`{"name":"echo","arguments":{"message":"hi"},"task":{}}`)), &created)
	if created.Task.TaskID == "" {
		t.Error("valid tools/call returned no task id")
	}
}
