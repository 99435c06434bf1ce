package everything

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

// Option configures a Server.
type Option func(*Server)

// Server is a demonstration server that exercises every feature of the protocol core: tools
// with progress, checkpoints and transient failures, prompts with completions, static and
// templated resources with update notifications, and log streaming.
//
// Everything is registered on a mcp.Registry; ServerOptions wires it into a mcp.Server.
// Run simulates resource updates and must be running for subscribers to be notified.
type Server struct {
	registry *mcp.Registry
	logger   *slog.Logger

	logs           chan mcp.LogParams
	updateInterval time.Duration

	flakyMu    sync.Mutex
	flakyCalls map[string]int
}

const defaultUpdateInterval = 30 * time.Second

// NewServer creates the demonstration server with its catalogue registered.
func NewServer(options ...Option) (*Server, error) {
	s := &Server{
		registry:       mcp.NewRegistry(mcp.WithRegistryPageSize(pageSize)),
		logger:         slog.Default(),
		logs:           make(chan mcp.LogParams, 64),
		updateInterval: defaultUpdateInterval,
		flakyCalls:     make(map[string]int),
	}
	for _, opt := range options {
		opt(s)
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if err := s.registerPrompts(); err != nil {
		return nil, fmt.Errorf("failed to register prompts: %w", err)
	}
	if err := s.registerResources(); err != nil {
		return nil, fmt.Errorf("failed to register resources: %w", err)
	}
	return s, nil
}

// WithLogger sets the process logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "everything"))
	}
}

// WithUpdateInterval sets how often a subscribed resource is reported as updated.
func WithUpdateInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.updateInterval = interval
		}
	}
}

// Registry returns the catalogue of the server.
func (s *Server) Registry() *mcp.Registry {
	return s.registry
}

// ServerOptions returns the options that plug the server into a mcp.Server.
func (s *Server) ServerOptions() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithRegistry(s.registry),
		mcp.WithLogHandler(s),
		mcp.WithInstructions("Demonstration server. Try longRunningOperation as a task."),
	}
}

// Run reports one static resource as updated every interval, cycling through all of them,
// until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	next := 1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		uri := staticResourceURI(next)
		s.log(mcp.LogLevelDebug, fmt.Sprintf("resource %s updated", uri))
		s.registry.ResourceUpdated(uri)

		next = next%resourceCount + 1
	}
}
