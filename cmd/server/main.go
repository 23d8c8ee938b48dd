// Package main implements the entry point for the kestrel server, which
// orchestrates mobile-application test execution across a device fleet
// and drives LLM-backed analysis of test runs.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-ci/kestrel/internal/config"
	"github.com/kestrel-ci/kestrel/internal/executor"
	"github.com/kestrel-ci/kestrel/internal/llm"
	"github.com/kestrel-ci/kestrel/internal/platform/gemini"
	"github.com/kestrel-ci/kestrel/internal/platform/logger"
	"github.com/kestrel-ci/kestrel/internal/platform/postgres"
	"github.com/kestrel-ci/kestrel/internal/queue"
	"github.com/kestrel-ci/kestrel/internal/ratelimit"
	"github.com/kestrel-ci/kestrel/internal/retry"
)

// application bundles the long-lived dependencies of the server.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	db      *sql.DB
	invoker *llm.ResilientInvoker
	manager *queue.Manager
}

func main() {
	app, err := initializeApp()
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := app.run(); err != nil {
		app.logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// initializeApp loads configuration and wires all application components.
func initializeApp() (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Queue.WorkerCount,
		"model", cfg.LLM.ModelName)

	db, err := setupDatabase(cfg, appLogger)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db, appLogger); err != nil {
		return nil, err
	}

	ctx := context.Background()
	provider, err := gemini.NewProvider(ctx, appLogger, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	limiter := ratelimit.NewSlidingWindowLimiter(ratelimit.Config{
		MaxRequests: cfg.LLM.RateLimitMaxRequests,
		Window:      cfg.LLM.RateLimitWindow,
		Enabled:     cfg.LLM.RateLimitEnabled,
	})
	coordinator := retry.NewCoordinator(retry.Policy{
		MaxAttempts:       cfg.LLM.MaxAttempts,
		InitialBackoff:    cfg.LLM.InitialBackoff,
		BackoffMultiplier: cfg.LLM.BackoffMultiplier,
		MaxBackoff:        cfg.LLM.MaxBackoff,
		JitterFactor:      cfg.LLM.JitterFactor,
	}, appLogger)
	coordinator.SetObserver(observeRetries)
	invoker := llm.NewResilientInvoker(provider, limiter, coordinator, appLogger)

	var analysisInvoker *llm.ResilientInvoker
	if cfg.Executor.AnalyzeFailures {
		analysisInvoker = invoker
	}
	exec := executor.NewDeviceRunnerExecutor(cfg.Executor.RunnerURL, analysisInvoker, appLogger)

	jobStore := postgres.NewJobStore(db)
	manager := queue.NewManager(queue.ManagerConfig{
		WorkerCount: cfg.Queue.WorkerCount,
		MaxActive:   cfg.Queue.MaxActive,
		Retry: queue.RetryStrategy{
			MaxRetries:   cfg.Queue.MaxRetries,
			BackoffType:  cfg.Queue.BackoffType,
			InitialDelay: cfg.Queue.InitialDelay,
			MaxDelay:     cfg.Queue.MaxDelay,
		},
		Retention:   cfg.Queue.Retention,
		StuckJobAge: cfg.Queue.StuckJobAge,
	}, jobStore, exec, appLogger)

	manager.SetOnTerminalFailure(func(info queue.StatusInfo) {
		appLogger.Error("job exhausted retries",
			"job_id", info.ID,
			"test_run_id", info.TestRunID,
			"device_id", info.DeviceID,
			"last_error", info.LastError)
	})

	return &application{
		config:  cfg,
		logger:  appLogger,
		db:      db,
		invoker: invoker,
		manager: manager,
	}, nil
}

// run starts the queue manager and HTTP server, then blocks until a
// shutdown signal arrives.
func (app *application) run() error {
	ctx := context.Background()
	if err := app.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		app.logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("http server shutdown failed", "error", err)
	}

	app.manager.Stop()
	if err := app.db.Close(); err != nil {
		app.logger.Error("database close failed", "error", err)
	}
	app.logger.Info("shutdown complete")
	return nil
}
