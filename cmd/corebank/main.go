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

	dayhttp "github.com/odyssey-erp/corebank/internal/accountingday/http"
	"github.com/odyssey-erp/corebank/internal/app"
	custodyhttp "github.com/odyssey-erp/corebank/internal/custody/http"
	ledgerhttp "github.com/odyssey-erp/corebank/internal/ledger/http"
	"github.com/odyssey-erp/corebank/internal/observability"
	operationshttp "github.com/odyssey-erp/corebank/internal/operations/http"
	"github.com/odyssey-erp/corebank/internal/platform/cache"
	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/rbac"
	serialhttp "github.com/odyssey-erp/corebank/internal/serial/http"
	"github.com/odyssey-erp/corebank/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
		Config:     cfg,
		Logger:     logger,
		Pool:       dbpool,
		Redis:      redisClient,
		Metrics:    metrics,
		HTTPClient: &http.Client{},
	})
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}

	rbacMiddleware := rbac.Middleware{Logger: logger}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RBACMiddleware:     rbacMiddleware,
		DayHandler:         dayhttp.NewHandler(logger, services.Days, rbacMiddleware),
		SerialHandler:      serialhttp.NewHandler(logger, services.Serial, rbacMiddleware),
		LedgerHandler:      ledgerhttp.NewHandler(logger, services.Ledger, rbacMiddleware),
		CustodyHandler:     custodyhttp.NewHandler(logger, services.Custody, rbacMiddleware),
		OperationsHandler:  operationshttp.NewHandler(logger, services.Operations, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, jobsClient, rbacMiddleware, logger),
		PermissionsHandler: rbac.NewPermissionsHandler(rbacMiddleware),
		Metrics:            metrics,
		Readiness: map[string]app.Pinger{
			"postgres": dbpool,
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
