package mcp

import (
	"context"
	"iter"
)

// PromptServer defines the interface for managing prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts. The ProgressReporter
	// can be used to report operation progress, and RequestClientFunc enables
	// client-server communication during execution.
	// Returns error if operation fails or context is cancelled.
	ListPrompts(context.Context, ListPromptsParams, ProgressReporter, RequestClientFunc) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given arguments.
	// Returns ErrPromptNotFound for unknown names and ErrInvalidArguments when required
	// arguments are missing.
	GetPrompt(context.Context, GetPromptParams, ProgressReporter, RequestClientFunc) (GetPromptResult, error)

	// CompletesPrompt provides completion suggestions for a prompt argument.
	CompletesPrompt(context.Context, CompletesCompletionParams, RequestClientFunc) (CompletionResult, error)
}

// PromptListUpdater provides an interface for monitoring changes to the available prompts list.
//
// The notifications are used by the MCP server to inform connected clients about prompt list
// changes via the "notifications/prompts/list_changed" method. Clients can then refresh their
// cached prompt lists by calling ListPrompts again.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
// The iterator must end when ctx is done.
type PromptListUpdater interface {
	PromptListUpdates(ctx context.Context) iter.Seq[struct{}]
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources.
	ListResources(context.Context, ListResourcesParams, ProgressReporter, RequestClientFunc) (
		ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns ErrResourceNotFound if the URI cannot be resolved.
	ReadResource(context.Context, ReadResourceParams, ProgressReporter, RequestClientFunc) (
		ReadResourceResult, error)

	// ListResourceTemplates returns all available resource templates.
	ListResourceTemplates(context.Context, ListResourceTemplatesParams, ProgressReporter, RequestClientFunc) (
		ListResourceTemplatesResult, error)

	// CompletesResourceTemplate provides completion suggestions for a resource template argument.
	CompletesResourceTemplate(context.Context, CompletesCompletionParams, RequestClientFunc) (CompletionResult, error)
}

// ResourceListUpdater provides an interface for monitoring changes to the available resources list.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
// The iterator must end when ctx is done.
type ResourceListUpdater interface {
	ResourceListUpdates(ctx context.Context) iter.Seq[struct{}]
}

// ResourceSubscriptionHandler emits the URIs of resources whose content changed. The server
// tracks subscriptions per session and forwards "notifications/resources/updated" only to
// sessions subscribed to the URI.
type ResourceSubscriptionHandler interface {
	SubscribedResourceUpdates(ctx context.Context) iter.Seq[string]
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	ListTools(context.Context, ListToolsParams, ProgressReporter, RequestClientFunc) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments.
	// Returns ErrToolNotFound for unknown names and ErrInvalidArguments when the arguments
	// do not satisfy the input schema. Other errors are reported to the client as a failed
	// tool result; wrap them with Transient to let the task engine retry.
	CallTool(context.Context, CallToolParams, ProgressReporter, RequestClientFunc) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
// The iterator must end when ctx is done.
type ToolListUpdater interface {
	ToolListUpdates(ctx context.Context) iter.Seq[struct{}]
}

// ToolCallValidator is an optional extension of ToolServer. A task-augmented tools/call is
// checked with it before the task is stored, so an unknown tool or invalid arguments fail the
// request instead of a task. It returns ErrToolNotFound or ErrInvalidArguments.
type ToolCallValidator interface {
	ValidateToolCall(ctx context.Context, params CallToolParams) error
}

// LogHandler provides an interface for streaming log messages from the MCP server to connected clients.
// Each message is sent to the sessions whose level, set through "logging/setLevel", admits it.
type LogHandler interface {
	LogStreams(ctx context.Context) iter.Seq[LogParams]
}

// RootsListWatcher provides an interface for receiving notifications when the client's root list changes.
type RootsListWatcher interface {
	// OnRootsListChanged is called when the client of the session notifies that its root list has changed.
	OnRootsListChanged(ctx context.Context, sessionID string)
}

// ProgressReporter is a function type used to report progress updates for long-running operations.
// Server implementations use this callback to inform clients about operation progress by passing
// a ProgressParams struct containing the progress details. When Total is non-zero in the params,
// progress percentage can be calculated as (Progress/Total)*100.
//
// Progress must strictly increase across calls; a value that does not is rejected with
// ErrProgressNotIncreasing and not sent.
type ProgressReporter func(progress ProgressParams) error

// RequestClientFunc sends a request to the client of the current session and waits for the
// correlated response. The server assigns the request id.
type RequestClientFunc func(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error)
