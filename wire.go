package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cast"
)

// RequestID is the raw JSON encoding of a JSON-RPC id. Keeping the raw bytes lets a response
// echo the id with the exact type the peer used: a numeric id stays a number on the wire.
//
// The zero value means "absent" and is omitted from encoded messages. A JSON null is kept
// as the four bytes "null", so a request carrying an explicit null id can be told apart
// from a notification.
type RequestID json.RawMessage

// MessageType classifies a decoded JSON-RPC object.
type MessageType string

// Request, Response and Notification are the only shapes the server constructs. Their fields
// are unexported so a value that exists is a value that passed validation.
type (
	// Request is a JSON-RPC request: an id, a method and optional params.
	Request struct {
		id     RequestID
		method string
		params json.RawMessage
	}

	// Response carries exactly one of a result or an error for the request with the same id.
	Response struct {
		id     RequestID
		result json.RawMessage
		err    *JSONRPCError
	}

	// Notification is a method call that never gets a reply.
	Notification struct {
		method string
		params json.RawMessage
	}
)

// MessageType values.
const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

var nullID = RequestID("null")

// StringID returns a string request id.
func StringID(s string) RequestID {
	bs, _ := json.Marshal(s)
	return RequestID(bs)
}

// IntID returns a numeric request id.
func IntID(n int64) RequestID {
	return RequestID(strconv.FormatInt(n, 10))
}

// NewRequestID converts v into a RequestID. Strings stay strings and anything cast can turn
// into an integer becomes a numeric id.
func NewRequestID(v any) (RequestID, error) {
	switch v := v.(type) {
	case RequestID:
		if !v.Valid() {
			return nil, ErrInvalidRequestID
		}
		return v, nil
	case string:
		return StringID(v), nil
	case nil:
		return nil, ErrInvalidRequestID
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequestID, err)
	}
	return IntID(n), nil
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// UnmarshalJSON implements json.Unmarshaler. A JSON null is stored as is.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	*id = append((*id)[:0], data...)
	return nil
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool {
	return len(id) == 0
}

// IsNull reports whether the id is an explicit JSON null.
func (id RequestID) IsNull() bool {
	return bytes.Equal(bytes.TrimSpace(id), nullID)
}

// Valid reports whether the id is a JSON string or number.
func (id RequestID) Valid() bool {
	v, err := id.decode()
	if err != nil {
		return false
	}
	switch v.(type) {
	case string, json.Number:
		return true
	}
	return false
}

// String returns the normalized string form of the id, used to correlate requests with
// responses regardless of how the peer typed the id. Integral numbers lose any fraction
// ("1.0" and "1" normalize to "1").
func (id RequestID) String() string {
	v, err := id.decode()
	if err != nil {
		return string(id)
	}
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		if f, err := v.Float64(); err == nil {
			return cast.ToString(f)
		}
		return v.String()
	case nil:
		return ""
	}
	return string(id)
}

func (id RequestID) decode() (any, error) {
	if len(id) == 0 {
		return nil, ErrInvalidRequestID
	}
	dec := json.NewDecoder(bytes.NewReader(id))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewRequest builds a Request. The id must be a non-null string or number.
func NewRequest(id RequestID, method string, params any) (Request, error) {
	if !id.Valid() {
		return Request{}, ErrInvalidRequestID
	}
	if method == "" {
		return Request{}, fmt.Errorf("%w: empty method", ErrInvalidRequest)
	}
	raw, err := marshalOptional(params)
	if err != nil {
		return Request{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	return Request{id: id, method: method, params: raw}, nil
}

// NewResponse builds a Response. Exactly one of result and rpcErr must be non-nil. An error
// response may carry a zero id when the request id could not be read; it is encoded as null.
func NewResponse(id RequestID, result any, rpcErr *JSONRPCError) (Response, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	if (raw == nil) == (rpcErr == nil) {
		return Response{}, ErrInvalidResponse
	}
	if rpcErr != nil {
		if id.IsZero() || !id.Valid() {
			id = nullID
		}
		return Response{id: id, err: rpcErr}, nil
	}
	if !id.Valid() {
		return Response{}, ErrInvalidRequestID
	}
	return Response{id: id, result: raw}, nil
}

// NewErrorResponse is a shorthand for NewResponse with an error. It cannot fail.
func NewErrorResponse(id RequestID, rpcErr JSONRPCError) Response {
	res, _ := NewResponse(id, nil, &rpcErr)
	return res
}

// NewNotification builds a Notification.
func NewNotification(method string, params any) (Notification, error) {
	if method == "" {
		return Notification{}, fmt.Errorf("%w: empty method", ErrInvalidRequest)
	}
	raw, err := marshalOptional(params)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	return Notification{method: method, params: raw}, nil
}

// ID returns the request id.
func (r Request) ID() RequestID { return r.id }

// Method returns the request method.
func (r Request) Method() string { return r.method }

// Params returns the raw params, nil when absent.
func (r Request) Params() json.RawMessage { return r.params }

// Message returns the wire envelope of the request.
func (r Request) Message() JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: r.id, Method: r.method, Params: r.params}
}

// MarshalJSON implements json.Marshaler.
func (r Request) MarshalJSON() ([]byte, error) { return json.Marshal(r.Message()) }

// ID returns the id of the request this response answers.
func (r Response) ID() RequestID { return r.id }

// Result returns the raw result, nil for error responses.
func (r Response) Result() json.RawMessage { return r.result }

// Err returns the error, nil for successful responses.
func (r Response) Err() *JSONRPCError { return r.err }

// Message returns the wire envelope of the response.
func (r Response) Message() JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: r.id, Result: r.result, Error: r.err}
}

// MarshalJSON implements json.Marshaler.
func (r Response) MarshalJSON() ([]byte, error) { return json.Marshal(r.Message()) }

// Method returns the notification method.
func (n Notification) Method() string { return n.method }

// Params returns the raw params, nil when absent.
func (n Notification) Params() json.RawMessage { return n.params }

// Message returns the wire envelope of the notification.
func (n Notification) Message() JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: n.method, Params: n.params}
}

// MarshalJSON implements json.Marshaler.
func (n Notification) MarshalJSON() ([]byte, error) { return json.Marshal(n.Message()) }

// Type classifies the message. It returns an empty MessageType for objects that are none of
// the four shapes, for example a response carrying both result and error.
func (m JSONRPCMessage) Type() MessageType {
	if m.Method != "" {
		if m.ID.IsZero() {
			if m.Result != nil || m.Error != nil {
				return ""
			}
			return MessageTypeNotification
		}
		if m.Result != nil || m.Error != nil {
			return ""
		}
		return MessageTypeRequest
	}
	if m.ID.IsZero() {
		return ""
	}
	switch {
	case m.Error != nil && m.Result == nil:
		return MessageTypeError
	case m.Result != nil && m.Error == nil:
		return MessageTypeResponse
	}
	return ""
}

// Validate checks the structural rules of JSON-RPC 2.0 and returns an Invalid Request error
// when they are broken.
func (m JSONRPCMessage) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return newError(InvalidRequestCode, "Invalid Request")
	}
	switch m.Type() {
	case MessageTypeRequest:
		if !m.ID.Valid() {
			return newError(InvalidRequestCode, "Invalid Request")
		}
	case MessageTypeResponse:
		if !m.ID.Valid() {
			return newError(InvalidRequestCode, "Invalid Request")
		}
	case MessageTypeError, MessageTypeNotification:
	default:
		return newError(InvalidRequestCode, "Invalid Request")
	}
	return nil
}

// ParseMessages decodes a single JSON-RPC object or a batch. It reports whether the payload
// was a batch so replies can mirror its shape. Malformed JSON yields a Parse error; well
// formed JSON that is not an object, or an empty batch, yields Invalid Request.
func ParseMessages(data []byte) ([]JSONRPCMessage, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil, false, newError(ParseErrorCode, "Parse error")
	}

	if data[0] != '[' {
		var msg JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, false, newError(InvalidRequestCode, "Invalid Request")
		}
		return []JSONRPCMessage{msg}, false, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, true, newError(InvalidRequestCode, "Invalid Request")
	}
	if len(raws) == 0 {
		return nil, true, newError(InvalidRequestCode, "Invalid Request")
	}
	msgs := make([]JSONRPCMessage, 0, len(raws))
	for _, raw := range raws {
		var msg JSONRPCMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, true, newError(InvalidRequestCode, "Invalid Request")
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

// marshalOptional encodes v, returning nil when v is absent so the key is omitted.
func marshalOptional(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bs, []byte("null")) {
		return nil, nil
	}
	return bs, nil
}
