// ABOUTME: Gateway orchestrator that wires the lifecycle managers behind an HTTP server.
// ABOUTME: Manages startup wiring, the run drain on shutdown, and health endpoints.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/atlasai/atlas-gateway/internal/auth"
	"github.com/atlasai/atlas-gateway/internal/catalog"
	"github.com/atlasai/atlas-gateway/internal/config"
	"github.com/atlasai/atlas-gateway/internal/connection"
	"github.com/atlasai/atlas-gateway/internal/event"
	"github.com/atlasai/atlas-gateway/internal/run"
	"github.com/atlasai/atlas-gateway/internal/session"
	"github.com/atlasai/atlas-gateway/internal/store"
)

// Gateway owns the HTTP server and the component graph behind it.
type Gateway struct {
	config       *config.Config
	registry     *catalog.Registry
	broadcaster  *event.Broadcaster
	connections  *connection.Manager
	sessions     *session.Manager
	orchestrator *run.Orchestrator
	store        *store.SQLiteStore
	httpServer   *http.Server
	logger       *slog.Logger
}

// New creates a Gateway from configuration. The generator is the external
// capability runs invoke; callers supply the implementation.
func New(cfg *config.Config, gen run.Generator, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	auditStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	registry := catalog.NewRegistry(logger)
	if cfg.Catalog.SeedPath != "" {
		n, err := registry.PublishSeedFile(cfg.Catalog.SeedPath)
		if err != nil {
			_ = auditStore.Close()
			return nil, fmt.Errorf("seeding catalog: %w", err)
		}
		logger.Info("catalog seeded", "path", cfg.Catalog.SeedPath, "entries", n)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	broadcaster := event.NewBroadcaster(cfg.Events.BufferCapacity, cfg.Events.HeartbeatInterval, logger)

	connections := connection.NewManager(verifier, auditStore, logger)
	sessions := session.NewManager(registry, connections, auditStore, session.Options{
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
	}, logger)
	connections.SetSessionCloser(sessions)

	orchestrator := run.NewOrchestrator(sessions, gen, broadcaster, auditStore, run.Options{
		MaxConcurrent: int64(cfg.Runs.MaxConcurrent),
		MaxQueueDepth: cfg.Runs.MaxQueueDepth,
		CancelGrace:   cfg.Runs.CancelGracePeriod,
		Retry: &run.RetryPolicy{
			MaxAttempts:  cfg.Runs.RetryAttempts,
			InitialDelay: cfg.Runs.RetryInitialDelay,
			Multiplier:   2.0,
			MaxDelay:     cfg.Runs.RetryMaxDelay,
		},
	}, logger)
	sessions.SetRunCanceler(orchestrator)

	g := &Gateway{
		config:       cfg,
		registry:     registry,
		broadcaster:  broadcaster,
		connections:  connections,
		sessions:     sessions,
		orchestrator: orchestrator,
		store:        auditStore,
		logger:       logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.orchestrator.Start(ctx)
	g.sessions.Start(ctx)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, drains in-flight runs, and releases
// resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	// The orchestrator cancels in-flight runs and waits for their goroutines;
	// the session sweep stops with the run context.
	g.orchestrator.Stop()
	g.sessions.Wait()
	g.broadcaster.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
