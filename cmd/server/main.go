package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/logging"
	"github.com/me/stevedore/internal/metrics"
	"github.com/me/stevedore/internal/queue"
	"github.com/me/stevedore/internal/reliability"
	"github.com/me/stevedore/internal/retry"
	"github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/internal/server"
	"github.com/me/stevedore/internal/store"
	"github.com/me/stevedore/internal/tracker"
	"github.com/me/stevedore/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "Path to server config file (YAML)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	storeKind := flag.String("store", "", "Persistence backend: sqlite or postgres (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (default ~/.stevedore/stevedore.db)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string (overrides config)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *storeKind != "" {
		cfg.Store = *storeKind
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *postgresDSN != "" {
		cfg.PostgresDSN = *postgresDSN
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Shutdown starts when the process receives SIGINT/SIGTERM; the
	// coordinator's context tells every loop to stop claiming new work.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator, ctx := tracker.NewShutdownCoordinator(sigCtx, cfg.Shutdown.Timeout, logger)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}
	logger.Info("store ready", "backend", cfg.Store)

	jr, err := router.New(cfg.Routing, os.Getenv("STEVEDORE_SERVERLESS_API_KEY"),
		rand.New(rand.NewSource(time.Now().UnixNano())), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build router: %v\n", err)
		os.Exit(1)
	}

	strategy := retry.Strategy{
		Name:         "configured",
		MaxAttempts:  cfg.Retry.MaxAttempts,
		BaseDelay:    cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		JitterFactor: cfg.Retry.JitterFactor,
	}

	breaker := reliability.NewCircuitBreaker(
		cfg.Reliability.BreakerFailureThreshold,
		cfg.Reliability.BreakerRecoveryTimeout,
		time.Now, logger)
	fallback := reliability.NewFallbackManager(strategy, rand.Float64, logger)
	degrade, err := reliability.NewDegradationManager(
		cfg.Reliability.DegradationFactor,
		cfg.Reliability.DelayablePattern,
		cfg.Reliability.DegradationDelay,
		jr, time.Now, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build degradation manager: %v\n", err)
		os.Exit(1)
	}
	health := reliability.NewHealthChecker(jr,
		cfg.Reliability.HealthCheckInterval,
		cfg.Reliability.HealthFailureThreshold,
		time.Now, logger)

	m := metrics.New()
	breaker.OnOpen(func(backend string) {
		m.CircuitOpens.WithLabelValues(backend).Inc()
	})
	trk := tracker.NewCompletionTracker()

	manager, err := queue.NewManager(queue.Options{
		Store:    st,
		Router:   jr,
		Fallback: fallback,
		Breaker:  breaker,
		Degrade:  degrade,
		Tracker:  trk,
		Metrics:  m,
		Config:   cfg.Queue,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build queue manager: %v\n", err)
		os.Exit(1)
	}

	monitor := worker.NewMonitor(manager, st, jr, cfg.Queue, time.Now, logger)

	go health.Run(ctx)
	go monitor.Run(ctx)

	srv := server.New(cfg, st, manager, jr, logger,
		server.WithMetrics(m),
		server.WithBreaker(breaker),
	)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	coordinator.Trigger()

	// Drain in-flight jobs first, then close the HTTP listener. The
	// main monitor loop died with ctx, so a poll-only loop keeps
	// harvesting finished executions while the coordinator waits. Jobs
	// still running at the deadline keep running on their backends and
	// are reported, never force-failed.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	go monitor.DrainLoop(drainCtx)
	coordinator.Drain(trk, cfg.Shutdown.PollInterval)
	stopDrain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// openStore builds the configured persistence backend.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store requires a DSN")
		}
		return store.NewPostgresStore(ctx, cfg.PostgresDSN, logger)
	case "sqlite", "":
		path := cfg.DBPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("cannot determine home directory: %w", err)
			}
			dir := filepath.Join(home, ".stevedore")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create %s: %w", dir, err)
			}
			path = filepath.Join(dir, "stevedore.db")
		}
		return store.NewSQLiteStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want sqlite or postgres)", cfg.Store)
	}
}
