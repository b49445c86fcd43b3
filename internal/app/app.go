// Package app wires the service components together and runs them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailsling/mailsling/internal/api"
	"github.com/mailsling/mailsling/internal/config"
	"github.com/mailsling/mailsling/internal/dispatch"
	"github.com/mailsling/mailsling/internal/metrics"
	"github.com/mailsling/mailsling/internal/store"
	"github.com/mailsling/mailsling/internal/suppress"
	"github.com/mailsling/mailsling/internal/tracker"
	"github.com/mailsling/mailsling/internal/transport"
)

// App is the main application
type App struct {
	config    *config.Config
	store     store.Store
	apiServer *api.Server
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	m := metrics.New()

	factory, err := transport.NewFactory(cfg.Server.Hostname, cfg.Companies, logger.With("component", "transport"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create transport factory: %w", err)
	}

	engine := dispatch.NewEngine(
		factory,
		suppress.New(st, logger.With("component", "suppress")),
		tracker.New(cfg.Tracking.BaseURL),
		st,
		m,
		cfg.Dispatch,
		logger.With("component", "dispatch"),
	)

	apiServer := api.NewServer(engine, st, m, cfg, logger.With("component", "api"))

	return &App{
		config:    cfg,
		store:     st,
		apiServer: apiServer,
		logger:    logger,
	}, nil
}

// Run starts the API server and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailsling",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"companies", len(a.config.Companies),
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// In-flight dispatches hold the connection open through their
	// inter-batch delays; give them time to drain.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
