package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
	"github.com/MegaGrindStone/go-mcp-server/internal/config"
	"github.com/MegaGrindStone/go-mcp-server/servers/everything"
	"github.com/MegaGrindStone/go-mcp-server/sqlstore"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demonstration catalogue",
	RunE:  runServe,
}

// backend is the persistence selected by the config. broker is nil unless several processes
// share the store.
type backend struct {
	store  mcp.Store
	broker *sqlstore.Broker
	close  func()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer be.close()

	demo, err := everything.NewServer(everything.WithLogger(logger))
	if err != nil {
		return err
	}

	metrics := mcp.NewMetrics()
	srv := mcp.NewServer(mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version},
		serverOptions(cfg, demo, be, metrics, logger)...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return demo.Run(ctx)
	})
	if be.broker != nil {
		g.Go(func() error {
			return be.broker.Run(ctx)
		})
	}

	switch cfg.Transport {
	case config.TransportStdio:
		g.Go(func() error {
			// The process ends with its only client.
			defer cancel()
			return mcp.NewStdIOServer(srv, os.Stdin, os.Stdout).Serve(ctx)
		})
	default:
		serveHTTP(ctx, g, cfg.HTTP, srv, metrics, logger)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func serverOptions(
	cfg config.Config,
	demo *everything.Server,
	be backend,
	metrics *mcp.Metrics,
	logger *slog.Logger,
) []mcp.ServerOption {
	opts := append(demo.ServerOptions(),
		mcp.WithStore(be.store),
		mcp.WithMetrics(metrics),
		mcp.WithServerLogger(logger),
		mcp.WithServerSendTimeout(cfg.Session.SendTimeout),
		mcp.WithSessionIdleTimeout(cfg.Session.IdleTimeout),
		mcp.WithEventRetention(cfg.Session.EventRetention),
		mcp.WithJanitorInterval(cfg.Session.JanitorInterval),
		mcp.WithTaskPollInterval(cfg.Tasks.PollInterval),
		mcp.WithTaskEngineOptions(
			mcp.WithTaskWorkers(cfg.Tasks.Workers),
			mcp.WithTaskQueueSize(cfg.Tasks.QueueSize),
			mcp.WithTaskRetry(mcp.RetryConfig{
				MaxAttempts: cfg.Tasks.MaxAttempts,
				BaseDelay:   cfg.Tasks.BaseDelay,
				MaxDelay:    cfg.Tasks.MaxDelay,
				Multiplier:  2,
			}),
		),
	)
	if be.broker != nil {
		opts = append(opts, mcp.WithBroker(be.broker))
	}
	if cfg.Server.Instructions != "" {
		opts = append(opts, mcp.WithInstructions(cfg.Server.Instructions))
	}
	return opts
}

func serveHTTP(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.HTTPConfig,
	srv *mcp.Server,
	metrics *mcp.Metrics,
	logger *slog.Logger,
) {
	opts := []mcp.StreamableHTTPOption{
		mcp.WithHeartbeatInterval(cfg.HeartbeatInterval),
		mcp.WithHeartbeatThreshold(cfg.HeartbeatThreshold),
		mcp.WithWriteTimeout(cfg.WriteTimeout),
		mcp.WithMaxBodySize(cfg.MaxBodySize),
	}
	if cfg.ResponseMode == "sse" {
		opts = append(opts, mcp.WithResponseMode(mcp.ResponseModeSSE))
	}
	if len(cfg.Tokens) > 0 {
		opts = append(opts, mcp.WithTokenValidator(staticTokens(cfg.Tokens)))
	}
	handler := mcp.NewStreamableHTTPServer(srv, opts...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, handler)
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, metrics.Handler())
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Open streams never finish on their own; end them before draining the listener.
		if err := handler.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to close streams", slog.String("err", err.Error()))
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
}

func staticTokens(tokens []string) mcp.TokenValidator {
	return func(_ context.Context, token string) (mcp.Identity, error) {
		for i, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				return mcp.Identity{Subject: fmt.Sprintf("token-%d", i)}, nil
			}
		}
		return mcp.Identity{}, errors.New("unknown token")
	}
}

func openBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverPostgres:
	default:
		return backend{store: mcp.NewMemoryStore(), close: func() {}}, nil
	}

	dialect := sqlstore.DialectSQLite
	if cfg.Driver == config.DriverPostgres {
		dialect = sqlstore.DialectPostgres
	}
	store, err := sqlstore.Open(ctx, dialect, cfg.DSN, sqlstore.WithLogger(logger))
	if err != nil {
		return backend{}, fmt.Errorf("failed to open store: %w", err)
	}
	be := backend{
		store: store,
		close: func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close store", slog.String("err", err.Error()))
			}
		},
	}
	if dialect != sqlstore.DialectPostgres {
		return be, nil
	}

	broker, err := sqlstore.NewBroker(store, cfg.DSN)
	if err != nil {
		be.close()
		return backend{}, fmt.Errorf("failed to start broker: %w", err)
	}
	be.broker = broker
	closeStore := be.close
	be.close = func() {
		if err := broker.Close(); err != nil {
			logger.Warn("failed to close broker", slog.String("err", err.Error()))
		}
		closeStore()
	}
	return be, nil
}
