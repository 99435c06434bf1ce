package mcp

import (
	"slices"
	"time"
)

// SessionStatus is the lifecycle state of a session. It only moves forward:
// pre_initialize, then initialized, then closed.
type SessionStatus string

// SessionRole tells which side of the protocol owns the session record.
type SessionRole string

// SessionState is the persisted protocol state of one client/server pair. It is mutated
// only through its transition methods, called from a SessionStore update function.
type SessionState struct {
	ID     string        `json:"id"`
	Status SessionStatus `json:"status"`
	Role   SessionRole   `json:"role"`

	// ProtocolVersion is empty until negotiated, then always one of SupportedProtocolVersions.
	ProtocolVersion    string             `json:"protocolVersion,omitempty"`
	ClientInfo         Info               `json:"clientInfo"`
	ServerInfo         Info               `json:"serverInfo"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ServerCapabilities ServerCapabilities `json:"serverCapabilities"`

	// InitializeAnswered is set once the initialize request was answered with server
	// capabilities. Initialized additionally needs the client's initialized notification.
	InitializeAnswered bool `json:"initializeAnswered"`
	Initialized        bool `json:"initialized"`

	// EventCounter is the id of the last event appended for this session.
	EventCounter int64 `json:"eventCounter"`

	// Enabled lists restrict what the session can see. A nil list enables everything.
	EnabledTools     []string `json:"enabledTools"`
	EnabledPrompts   []string `json:"enabledPrompts"`
	EnabledResources []string `json:"enabledResources"`

	Subscriptions []string `json:"subscriptions,omitempty"`
	LogLevel      LogLevel `json:"logLevel"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// SessionStatus values.
const (
	SessionPreInitialize SessionStatus = "pre_initialize"
	SessionInitialized   SessionStatus = "initialized"
	SessionClosed        SessionStatus = "closed"
)

// SessionRole values.
const (
	SessionRoleServer SessionRole = "server"
	SessionRoleClient SessionRole = "client"
)

func newSessionState(id string, role SessionRole, now time.Time) SessionState {
	return SessionState{
		ID:        id,
		Status:    SessionPreInitialize,
		Role:      role,
		LogLevel:  LogLevelInfo,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Closed reports whether the session reached its terminal state.
func (s SessionState) Closed() bool {
	return s.Status == SessionClosed
}

// answerInitialize records a successful initialize exchange.
func (s *SessionState) answerInitialize(
	version string,
	clientInfo Info,
	clientCaps ClientCapabilities,
	serverInfo Info,
	serverCaps ServerCapabilities,
	now time.Time,
) error {
	switch {
	case s.Status == SessionClosed:
		return ErrSessionClosed
	case s.Status != SessionPreInitialize, s.InitializeAnswered:
		return ErrSessionAlreadyInitialized
	}
	s.ProtocolVersion = version
	s.ClientInfo = clientInfo
	s.ClientCapabilities = clientCaps
	s.ServerInfo = serverInfo
	s.ServerCapabilities = serverCaps
	s.InitializeAnswered = true
	s.UpdatedAt = now
	return nil
}

// markInitialized handles the client's initialized notification. Capabilities carried by
// the notification replace the ones from the initialize request. It reports whether the
// session moved to initialized; the move needs an answered initialize and non-empty client
// capabilities.
func (s *SessionState) markInitialized(caps *ClientCapabilities, now time.Time) bool {
	if s.Status != SessionPreInitialize {
		return false
	}
	if caps != nil && !caps.empty() {
		s.ClientCapabilities = *caps
	}
	s.UpdatedAt = now
	if !s.InitializeAnswered || s.ClientCapabilities.empty() {
		return false
	}
	s.Status = SessionInitialized
	s.Initialized = true
	return true
}

// close moves the session to its terminal state. Closing twice is a no-op and reports false.
func (s *SessionState) close(now time.Time) bool {
	if s.Status == SessionClosed {
		return false
	}
	s.Status = SessionClosed
	s.UpdatedAt = now
	s.ClosedAt = &now
	return true
}

func (s *SessionState) touch(now time.Time) {
	s.UpdatedAt = now
}

func (s *SessionState) subscribe(uri string) {
	if !slices.Contains(s.Subscriptions, uri) {
		s.Subscriptions = append(s.Subscriptions, uri)
	}
}

func (s *SessionState) unsubscribe(uri string) {
	s.Subscriptions = slices.DeleteFunc(s.Subscriptions, func(u string) bool { return u == uri })
}

// Subscribed reports whether the session subscribed to updates of uri.
func (s SessionState) Subscribed(uri string) bool {
	return slices.Contains(s.Subscriptions, uri)
}

// ToolEnabled reports whether the tool is visible to the session.
func (s SessionState) ToolEnabled(name string) bool {
	return s.EnabledTools == nil || slices.Contains(s.EnabledTools, name)
}

// PromptEnabled reports whether the prompt is visible to the session.
func (s SessionState) PromptEnabled(name string) bool {
	return s.EnabledPrompts == nil || slices.Contains(s.EnabledPrompts, name)
}

// ResourceEnabled reports whether the resource URI is visible to the session.
func (s SessionState) ResourceEnabled(uri string) bool {
	return s.EnabledResources == nil || slices.Contains(s.EnabledResources, uri)
}

// Admits reports whether a log message at level should be sent to the session.
func (s SessionState) Admits(level LogLevel) bool {
	return level >= s.LogLevel
}
