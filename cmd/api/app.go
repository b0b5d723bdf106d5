package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/docflow/backend/internal/config"
	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/notifications"
	"github.com/docflow/backend/internal/orchestrator"
	"github.com/docflow/backend/internal/pushhub"
	"github.com/docflow/backend/internal/repository"
	"github.com/docflow/backend/internal/scheduler"
	"github.com/docflow/backend/internal/tasktype"
	"github.com/docflow/backend/internal/telemetry"
	"github.com/docflow/backend/internal/worker"
)

// core holds the collaborators shared by serve and sweep.
type core struct {
	cfg     *config.Config
	log     *slog.Logger
	pool    *pgxpool.Pool
	metrics *telemetry.Metrics

	users         *repository.UserRepo
	tasks         *repository.TaskRepo
	subscriptions *repository.SubscriptionRepo
	rewards       *repository.RewardRepo

	ledger  *ledger.Service
	taskHub *pushhub.Hub
	userHub *pushhub.Hub
	notify  *notifications.Service
	sched   *scheduler.Scheduler
}

func openPool(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL, ensure it is running: %w", err)
	}
	log.Info("connected to PostgreSQL")
	return pool, nil
}

func newCore(ctx context.Context, cfg *config.Config, log *slog.Logger, metrics *telemetry.Metrics) (*core, error) {
	pool, err := openPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	c := &core{
		cfg:           cfg,
		log:           log,
		pool:          pool,
		metrics:       metrics,
		users:         repository.NewUserRepo(pool),
		tasks:         repository.NewTaskRepo(pool),
		subscriptions: repository.NewSubscriptionRepo(pool),
		rewards:       repository.NewRewardRepo(pool),
		taskHub:       pushhub.New("tasks", log, metrics),
		userHub:       pushhub.New("users", log, metrics),
	}
	c.ledger = ledger.NewService(pool, c.users, repository.NewLedgerRepo(pool), log)
	c.notify = notifications.NewService(repository.NewNotificationRepo(pool), c.userHub, log)
	c.sched = scheduler.New(scheduler.Deps{
		Pool:          pool,
		Users:         c.users,
		Subscriptions: c.subscriptions,
		Ledger:        c.ledger,
		Notifier:      c.notify,
		Log:           log,
	}, scheduler.WithInterval(cfg.SchedulerInterval()))
	return c, nil
}

func (c *core) close() {
	c.taskHub.Close()
	c.userHub.Close()
	c.pool.Close()
}

func newWorkerRegistry(cfg *config.Config) (*worker.Registry, error) {
	routes := make(map[tasktype.Kind]worker.Route, len(tasktype.All()))
	for _, kind := range tasktype.All() {
		wc := cfg.Workers[string(kind)]
		mode, err := worker.ParseMode(wc.Mode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		var callback string
		if mode == worker.ModeWebhook {
			callback = cfg.WebhookURL()
		}
		routes[kind] = worker.Route{
			Client: worker.NewHTTPClient(wc.BaseURL, callback, cfg.WorkerOptions(kind)),
			Mode:   mode,
		}
	}
	return worker.NewRegistry(routes)
}

func retryPolicy(cfg *config.Config) orchestrator.RetryPolicy {
	return orchestrator.RetryPolicy{
		Interval:    time.Duration(cfg.Polling.IntervalSeconds) * time.Second,
		MaxAttempts: cfg.Polling.MaxAttempts,
		Backoff:     cfg.Polling.Backoff,
		MaxInterval: time.Duration(cfg.Polling.MaxIntervalSeconds) * time.Second,
	}
}

// dispatchTimeout covers the whole poll loop plus the submit and result
// fetch of the slowest worker.
func dispatchTimeout(cfg *config.Config, policy orchestrator.RetryPolicy) time.Duration {
	var slowest time.Duration
	for _, kind := range tasktype.All() {
		if t := cfg.WorkerOptions(kind).RequestTimeout; t > slowest {
			slowest = t
		}
	}
	return policy.Budget() + 2*slowest + time.Minute
}

// migrateRiver applies River's schema migrations. Nil opts migrate all the
// way in the given direction.
func migrateRiver(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger, direction rivermigrate.Direction, opts *rivermigrate.MigrateOpts) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, direction, opts)
	if err != nil {
		return fmt.Errorf("river migrate %s: %w", direction, err)
	}
	for _, v := range res.Versions {
		log.Info("river migration applied", "direction", direction, "version", v.Version, "duration", v.Duration)
	}
	return nil
}
