// applyd control plane server — provides the HTTP API, runs session
// worker pools, and paces outbound application traffic.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/applyops/applyd/pkg/api"
	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/database"
	"github.com/applyops/applyd/pkg/eventlog"
	"github.com/applyops/applyd/pkg/executor"
	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/metrics"
	"github.com/applyops/applyd/pkg/notify"
	"github.com/applyops/applyd/pkg/policy"
	"github.com/applyops/applyd/pkg/session"
	"github.com/applyops/applyd/pkg/store"
	"github.com/applyops/applyd/pkg/store/memory"
	"github.com/applyops/applyd/pkg/store/postgres"
)

// Exit codes follow sysexits where one applies.
const (
	exitOK          = 0
	exitConfig      = 64
	exitUnavailable = 65
	exitFatal       = 70
	exitSignal      = 130
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", ""),
		"Path to configuration directory (empty: built-in defaults)")
	listenAddr := flag.String("listen", "", "HTTP bind address, overrides configuration")
	dryRun := flag.Bool("dry-run", false,
		"Run against an in-memory store and a stub executor, nothing leaves the process")
	flag.Parse()

	// Load .env from the config directory when one is supplied.
	if *configDir != "" {
		envPath := filepath.Join(*configDir, ".env")
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	ctx := context.Background()

	var cfg *config.Config
	var err error
	if *configDir != "" {
		cfg, err = config.Initialize(ctx, *configDir)
		if err != nil {
			slog.Error("Failed to initialize configuration", "error", err)
			return exitConfig
		}
	} else {
		slog.Info("No config directory supplied, using built-in defaults")
		cfg = config.Default()
	}
	if *listenAddr != "" {
		cfg.System.ListenAddr = *listenAddr
	}

	// Pick the store and executor. Dry runs keep everything in-process.
	var (
		st     store.Store
		exec   executor.Executor
		health api.HealthChecker
	)
	if *dryRun {
		slog.Info("Dry run: in-memory store, stub executor")
		st = memory.New()
		exec = executor.NewStub()
	} else {
		dbURL := cfg.System.DatabaseURL
		if dbURL == "" {
			dbURL = os.Getenv("DATABASE_URL")
		}
		if dbURL == "" {
			slog.Error("No database URL configured, set DATABASE_URL or system.database_url")
			return exitConfig
		}

		dbClient, err := database.NewClient(ctx, database.DefaultConfig(dbURL))
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			return exitUnavailable
		}
		defer dbClient.Close()
		slog.Info("Connected to PostgreSQL database")

		st = postgres.New(dbClient.Pool())
		exec = executor.NewClient(cfg.System.ExecutorURL)
		health = func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.Pool())
			return err
		}
	}

	// Startup recovery: fail sessions stranded by a previous process.
	recovered, err := session.Recover(ctx, st, cfg.Pool.OrphanThreshold)
	if err != nil {
		slog.Error("Startup recovery failed", "error", err)
		return exitFatal
	}
	if recovered > 0 {
		slog.Info("Recovered stranded sessions", "count", recovered)
	}

	gov := governor.New(cfg.Stealth, cfg.Location())
	if err := session.RestoreGovernor(ctx, st, gov, cfg.Location()); err != nil {
		slog.Error("Failed to restore governor state", "error", err)
		return exitFatal
	}

	pol := policy.New(cfg.EffortPolicy)
	bridge := intervene.New(cfg.Intervention.Timeout)
	m := metrics.New()
	log := eventlog.New(st)

	var notifier *notify.Service
	if cfg.System.Slack.Enabled {
		notifier = notify.NewService(notify.ServiceConfig{
			Token:   os.Getenv(cfg.System.Slack.TokenEnv),
			Channel: cfg.System.Slack.Channel,
		})
		if notifier == nil {
			slog.Warn("Slack notifications enabled but token or channel missing, notifications disabled")
		}
	}

	controller := session.NewController(cfg, st, log, gov, pol, exec, bridge, notifier, m)
	server := api.NewServer(controller, st, gov, bridge, m, health)

	httpServer := &http.Server{
		Addr:    cfg.System.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.System.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("applyd started",
		"workers", cfg.Pool.WorkerCount,
		"dry_run", *dryRun,
		"timezone", cfg.Location().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
		code = exitSignal
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		code = exitFatal
	}

	// Graceful shutdown: stop accepting requests, then drain live runs.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Pool.ShutdownWindow+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		controller.StopAll(ctx)
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Session runs stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown window exceeded, remaining items will be orphan-recovered on next start")
	}

	slog.Info("Shutdown complete")
	return code
}
