package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/docflow/backend/internal/auth"
	"github.com/docflow/backend/internal/config"
	"github.com/docflow/backend/internal/execution"
	"github.com/docflow/backend/internal/handlers"
	"github.com/docflow/backend/internal/middleware"
	"github.com/docflow/backend/internal/orchestrator"
	"github.com/docflow/backend/internal/rewards"
	"github.com/docflow/backend/internal/router"
	"github.com/docflow/backend/internal/storage"
	"github.com/docflow/backend/internal/tasktype"
	"github.com/docflow/backend/internal/telemetry"
)

const serviceName = "docflow-api"

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the dispatch workers and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(parent context.Context, cc *commandContext) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	log := cc.logger

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, shutdownOTel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	c, err := newCore(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer c.close()

	if err := migrateRiver(ctx, c.pool, log, rivermigrate.DirectionUp, nil); err != nil {
		return err
	}

	blobs, err := storage.NewLocal(cfg.Storage.Root)
	if err != nil {
		return err
	}
	validator, err := tasktype.NewValidator()
	if err != nil {
		return err
	}
	workers, err := newWorkerRegistry(cfg)
	if err != nil {
		return err
	}

	// The River client's worker needs the orchestrator, which needs the
	// enqueuer; the enqueuer is bound to the client once it exists.
	enqueuer := execution.NewEnqueuer()
	policy := retryPolicy(cfg)
	orch := orchestrator.New(orchestrator.Deps{
		Pool:      c.pool,
		Tasks:     c.tasks,
		Users:     c.users,
		Ledger:    c.ledger,
		Enqueuer:  enqueuer,
		Hub:       c.taskHub,
		Notifier:  c.notify,
		Blobs:     blobs,
		Workers:   workers,
		Validator: validator,
		Pricing:   tasktype.NewTable(cfg.Pricing),
		Metrics:   metrics,
		Log:       log,
	}, orchestrator.WithRetryPolicy(policy))

	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, execution.NewDispatchWorker(orch, dispatchTimeout(cfg, policy)))
	river.AddWorker(riverWorkers, execution.NewDeadlineWorker(orch))
	riverClient, err := river.NewClient(riverpgxv5.New(c.pool), &river.Config{
		Logger: log,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Queue.MaxWorkers},
		},
		Workers: riverWorkers,
	})
	if err != nil {
		return fmt.Errorf("create River client: %w", err)
	}
	enqueuer.BindClient(riverClient)

	handler, err := newHTTPHandler(cfg, log, c, orch)
	if err != nil {
		return err
	}

	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("start River client: %w", err)
	}
	c.sched.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-serveErr:
		log.Error("HTTP server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	// Event streams only end when their hub closes.
	c.taskHub.Close()
	c.userHub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "error", err)
	}
	c.sched.Stop()
	// In-flight dispatches are cancelled; their tasks stay processing and
	// River runs the job again after restart.
	if err := riverClient.StopAndCancel(shutdownCtx); err != nil {
		log.Warn("River shutdown", "error", err)
	}
	return runErr
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Metrics, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Telemetry.Enabled {
		return nil, noop, nil
	}
	shutdown, err := telemetry.SetupOTelSDK(ctx, serviceName, os.Stderr, cfg.MetricInterval())
	if err != nil {
		return nil, noop, fmt.Errorf("set up telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = shutdown(ctx)
		return nil, noop, fmt.Errorf("create metrics: %w", err)
	}
	return metrics, shutdown, nil
}

func newHTTPHandler(cfg *config.Config, log *slog.Logger, c *core, orch *orchestrator.Orchestrator) (http.Handler, error) {
	authSvc := auth.NewService(c.pool, c.users, c.ledger, auth.Config{
		Secret:        []byte(cfg.Auth.JWTSecret),
		TokenTTL:      cfg.TokenTTL(),
		InitialPoints: cfg.Auth.InitialPoints,
	})
	rewardSvc := rewards.NewService(rewards.Deps{
		Pool:          c.pool,
		Store:         c.rewards,
		Users:         c.users,
		Subscriptions: c.subscriptions,
		Ledger:        c.ledger,
		Notifier:      c.notify,
		Log:           log,
		CheckInPoints: cfg.Rewards.CheckInPoints,
	})

	mw := router.Middleware{Authn: middleware.JWTAuth(authSvc)}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		mw.Limit = middleware.RateLimit(middleware.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	mux := router.New(router.Handlers{
		Auth: auth.NewHandler(authSvc, log),
		Tasks: &handlers.TaskHandler{
			Tasks:         orch,
			Stream:        c.taskHub,
			WebhookSecret: cfg.Webhook.Secret,
			MaxUpload:     cfg.MaxUploadBytes(),
			Logger:        log,
		},
		Account:       &handlers.AccountHandler{Ledger: c.ledger, Rewards: rewardSvc, Logger: log},
		Notifications: &handlers.NotificationHandler{Notifications: c.notify, Stream: c.userHub, Logger: log},
	}, mw)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: true,
	}).Handler(mux)

	var h http.Handler = corsHandler
	if cfg.Telemetry.Enabled {
		h = otelhttp.NewHandler(corsHandler, serviceName)
	}
	return h, nil
}
