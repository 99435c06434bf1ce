package mcp

import (
	"context"
	"encoding/json"
	"strings"
)

// Call is one inbound request or notification as seen by handlers and interceptors.
type Call struct {
	// Session is a snapshot of the session taken when the call was dispatched.
	Session SessionState
	Method  string
	// ID is zero for notifications.
	ID     RequestID
	Params json.RawMessage
}

// HandlerFunc handles a Call and returns its result. The result is ignored for notifications.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// Interceptor wraps dispatch. It may inspect or rewrite the call, short-circuit by not
// calling next, or post-process the result. Interceptors run in the order they were given.
type Interceptor func(ctx context.Context, call Call, next HandlerFunc) (any, error)

// CustomMethodHandler is consulted for methods outside the MCP surface. It reports whether
// it handled the call; an unhandled call fails with Method Not Found.
type CustomMethodHandler func(ctx context.Context, call Call) (result any, handled bool, err error)

// IsNotification reports whether the call expects no response.
func (c Call) IsNotification() bool {
	return c.ID.IsZero()
}

type namespace int

const (
	namespaceNone namespace = iota
	namespaceLifecycle
	namespaceTools
	namespacePrompts
	namespaceResources
	namespaceTasks
	namespaceLogging
	namespaceCompletion
	namespaceNotifications
)

var namespaces = map[string]namespace{
	"tools":         namespaceTools,
	"prompts":       namespacePrompts,
	"resources":     namespaceResources,
	"tasks":         namespaceTasks,
	"logging":       namespaceLogging,
	"completion":    namespaceCompletion,
	"notifications": namespaceNotifications,
}

var namespaceNames = map[namespace]string{
	namespaceNone:          "custom",
	namespaceLifecycle:     "lifecycle",
	namespaceTools:         "tools",
	namespacePrompts:       "prompts",
	namespaceResources:     "resources",
	namespaceTasks:         "tasks",
	namespaceLogging:       "logging",
	namespaceCompletion:    "completion",
	namespaceNotifications: "notifications",
}

func methodNamespace(method string) namespace {
	if method == MethodInitialize || method == MethodPing {
		return namespaceLifecycle
	}
	prefix, _, ok := strings.Cut(method, "/")
	if !ok {
		return namespaceNone
	}
	return namespaces[prefix]
}

func (n namespace) String() string {
	return namespaceNames[n]
}

type route struct {
	handler HandlerFunc
	// preHandshake routes are served before the session is initialized.
	preHandshake bool
}

// router maps methods to handlers through a table built once per server. Namespaces are
// data: a family registers its methods and nothing else changes.
type router struct {
	routes       map[string]route
	interceptors []Interceptor
	custom       CustomMethodHandler
	chain        HandlerFunc
}

func newRouter(interceptors []Interceptor, custom CustomMethodHandler) *router {
	r := &router{
		routes:       make(map[string]route),
		interceptors: interceptors,
		custom:       custom,
	}
	r.chain = r.buildChain()
	return r
}

func (r *router) handle(method string, h HandlerFunc) {
	r.routes[method] = route{handler: h}
}

func (r *router) handlePreHandshake(method string, h HandlerFunc) {
	r.routes[method] = route{handler: h, preHandshake: true}
}

func (r *router) buildChain() HandlerFunc {
	h := r.dispatchRoute
	for i := len(r.interceptors) - 1; i >= 0; i-- {
		ic := r.interceptors[i]
		next := h
		h = func(ctx context.Context, call Call) (any, error) {
			return ic(ctx, call, next)
		}
	}
	return h
}

// dispatch runs call through the interceptors and into its handler.
func (r *router) dispatch(ctx context.Context, call Call) (any, error) {
	return r.chain(ctx, call)
}

func (r *router) dispatchRoute(ctx context.Context, call Call) (any, error) {
	rt, ok := r.routes[call.Method]
	if ok {
		if !rt.preHandshake && !call.Session.Initialized {
			return nil, ErrSessionNotInitialized
		}
		return rt.handler(ctx, call)
	}

	// Unknown methods inside an MCP namespace are not offered to the custom hook.
	if methodNamespace(call.Method) == namespaceNone && r.custom != nil {
		if !call.Session.Initialized {
			return nil, ErrSessionNotInitialized
		}
		res, handled, err := r.custom(ctx, call)
		if handled {
			return res, err
		}
	}
	return nil, newError(MethodNotFoundCode, "Method not found")
}
