// GTMGraph orchestrator server: HTTP API, run worker pool, and the
// agent pipeline over a shared state store.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gtmgraph/gtmgraph/pkg/agent"
	"github.com/gtmgraph/gtmgraph/pkg/api"
	"github.com/gtmgraph/gtmgraph/pkg/config"
	"github.com/gtmgraph/gtmgraph/pkg/events"
	"github.com/gtmgraph/gtmgraph/pkg/runtime"
	"github.com/gtmgraph/gtmgraph/pkg/store"
	"github.com/gtmgraph/gtmgraph/pkg/version"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 store unavailable,
// 4 migration mismatch.
const (
	exitConfig    = 2
	exitStore     = 3
	exitMigration = 4
)

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(exitConfig)
	}
	podID := resolvePodID()
	slog.Info("Starting GTMGraph",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"pod_id", podID,
		"workers", cfg.WorkerCount)

	ctx := context.Background()

	// 2. Store. Without DATABASE_URL the in-memory store serves
	// single-process development; state does not survive restarts.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to initialize PostgreSQL store", "error", err)
			if errors.Is(err, store.ErrMigration) {
				os.Exit(exitMigration)
			}
			os.Exit(exitStore)
		}
		st = pg
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	// 3. Event bus
	bus := events.NewBus(st)

	// 4. Agent registry
	var provider agent.Provider
	if cfg.UseRealProviders {
		provider = agent.NewHTTPProviderFromEnv()
		slog.Info("Using real research providers")
	} else {
		provider = &agent.FixtureProvider{FixtureDir: cfg.FixtureDir}
		slog.Info("Using fixture providers", "fixture_dir", cfg.FixtureDir)
	}
	registry := agent.NewRegistry(provider)
	if err := registry.Validate(); err != nil {
		slog.Error("Agent registry incomplete", "error", err)
		os.Exit(exitConfig)
	}

	// 5. Worker pool (before the HTTP server so runs queued during boot
	// are picked up immediately)
	scheduler := runtime.NewScheduler(cfg, st, bus, registry)
	pool := runtime.NewPool(podID, st, scheduler, cfg.WorkerCount)
	pool.Start(ctx)

	// 6. HTTP server
	server := api.NewServer(cfg, st, bus, pool)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: drain workers first so in-flight runs reach a
	// checkpoint, then stop accepting HTTP traffic.
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Worker shutdown timeout exceeded, interrupted runs resume from their last checkpoint")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
