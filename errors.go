package mcp

import (
	"context"
	"errors"
)

// JSON-RPC error codes used by the server. The -32000 range is reserved for implementation
// defined server errors.
const (
	ParseErrorCode       = -32700
	InvalidRequestCode   = -32600
	MethodNotFoundCode   = -32601
	InvalidParamsCode    = -32602
	InternalErrorCode    = -32603
	ServerErrorCode      = -32000
	NotAcceptableCode    = -32001
	ResourceNotFoundCode = -32002
	NotImplementedCode   = -32003
)

var (
	// ErrSessionRequired is returned when a non-initialize message arrives without a session id.
	ErrSessionRequired = errors.New("session id required")
	// ErrSessionNotFound is returned when a session id does not resolve.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned for traffic on a terminated session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotInitialized is returned when a request needs a completed handshake.
	ErrSessionNotInitialized = errors.New("session not initialized")
	// ErrSessionAlreadyInitialized is returned for a second initialize on the same session.
	ErrSessionAlreadyInitialized = errors.New("session already initialized")

	// ErrTaskNotFound is returned when a task id does not resolve for the calling session.
	ErrTaskNotFound = errors.New("task not found")
	// ErrToolNotFound is returned by ToolServer implementations for unknown tool names.
	ErrToolNotFound = errors.New("tool not found")
	// ErrPromptNotFound is returned by PromptServer implementations for unknown prompt names.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrResourceNotFound is returned by ResourceServer implementations for unreadable URIs.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrInvalidArguments is returned when tool or prompt arguments fail validation.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrInvalidRequest is returned when constructing a structurally invalid message.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidRequestID is returned when a request id is missing, null or not a string or number.
	ErrInvalidRequestID = errors.New("invalid request id")
	// ErrInvalidResponse is returned when a response has both or neither of result and error.
	ErrInvalidResponse = errors.New("response must have exactly one of result and error")
	// ErrProgressNotIncreasing is returned by a ProgressReporter when a progress value does not
	// exceed the previous one sent for the same token.
	ErrProgressNotIncreasing = errors.New("progress must increase")
)

// TransientError marks a failure that is worth retrying. Tools run by the task engine wrap
// their errors with Transient to opt into retry with backoff.
type TransientError struct {
	Err error
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Err: err}
}

func (e TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e TransientError) Unwrap() error {
	return e.Err
}

func isTransient(err error) bool {
	var t TransientError
	return errors.As(err, &t)
}

func newError(code int, message string) JSONRPCError {
	return JSONRPCError{Code: code, Message: message}
}

func invalidParams(message string) JSONRPCError {
	return newError(InvalidParamsCode, message)
}

// asJSONRPCError maps err to the error object sent to the peer. JSONRPCError values pass
// through; known sentinels map to their code with a fixed message; anything else becomes an
// Internal error whose text stays in the server log.
func asJSONRPCError(err error) JSONRPCError {
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return jsonErr
	}

	switch {
	case errors.Is(err, ErrSessionRequired):
		return newError(InvalidRequestCode, "Session id required")
	case errors.Is(err, ErrSessionNotInitialized):
		return newError(InvalidRequestCode, "Session not initialized")
	case errors.Is(err, ErrSessionAlreadyInitialized):
		return newError(InvalidRequestCode, "Session already initialized")
	case errors.Is(err, ErrInvalidRequestID), errors.Is(err, ErrInvalidRequest):
		return newError(InvalidRequestCode, "Invalid Request")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionClosed):
		return newError(ResourceNotFoundCode, "Session not found")
	case errors.Is(err, ErrResourceNotFound):
		return newError(ResourceNotFoundCode, "Resource not found")
	case errors.Is(err, ErrTaskNotFound):
		return newError(InvalidParamsCode, "Task not found")
	case errors.Is(err, ErrToolNotFound):
		return newError(InvalidParamsCode, "Tool not found")
	case errors.Is(err, ErrPromptNotFound):
		return newError(InvalidParamsCode, "Prompt not found")
	case errors.Is(err, ErrInvalidArguments):
		return newError(InvalidParamsCode, "Invalid arguments")
	case errors.Is(err, context.Canceled):
		return newError(ServerErrorCode, "Request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ServerErrorCode, "Request timed out")
	}
	return newError(InternalErrorCode, "Internal error")
}
