package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/corebank/internal/app"
	jobmetrics "github.com/odyssey-erp/corebank/internal/jobs"
	"github.com/odyssey-erp/corebank/internal/observability"
	"github.com/odyssey-erp/corebank/internal/platform/cache"
	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/jobs"
)

const sweepBatch = 500

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("process", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services, err := app.NewServices(app.ServiceDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}

	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	integrityJob := jobs.NewLedgerIntegrityJob(services.Ledger, logger, jobMetrics)
	reconcileJob := jobs.NewCustodyReconcileJob(services.Custody, logger, jobMetrics)
	maintenance := &jobs.MaintenanceJobs{
		Codes:   services.Serial,
		Keys:    services.Idempotency,
		Logger:  logger,
		Metrics: jobMetrics,
	}

	cron, err := schedule(cfg)
	if err != nil {
		logger.Error("build scheduled tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskCustodyReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskSerialSweep, Handler: maintenance.HandleSerialSweep},
			{Type: jobs.TaskIdempotencyCleanup, Handler: maintenance.HandleIdempotencyCleanup},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// schedule builds the periodic tasks. Date-scoped tasks carry no date so each
// run checks the business day before it fires.
func schedule(cfg *app.Config) ([]jobs.CronRegistration, error) {
	integrity, err := jobs.NewLedgerIntegrityTask("")
	if err != nil {
		return nil, err
	}
	reconcile, err := jobs.NewCustodyReconcileTask("", "")
	if err != nil {
		return nil, err
	}
	sweep, err := jobs.NewSerialSweepTask(cfg.ReservationTTL, sweepBatch)
	if err != nil {
		return nil, err
	}
	cleanup, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	return []jobs.CronRegistration{
		{Spec: cfg.IntegrityCron, Task: integrity, Options: []asynq.Option{asynq.MaxRetry(1), asynq.Timeout(30 * time.Minute)}},
		{Spec: cfg.ReconcileCron, Task: reconcile, Options: []asynq.Option{asynq.MaxRetry(3)}},
		{Spec: cfg.SweepCron, Task: sweep, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Unique(10 * time.Minute)}},
		{Spec: cfg.CleanupCron, Task: cleanup, Options: []asynq.Option{asynq.MaxRetry(3)}},
	}, nil
}
