package app

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/corebank/internal/accountingday"
	"github.com/odyssey-erp/corebank/internal/audit"
	"github.com/odyssey-erp/corebank/internal/custody"
	"github.com/odyssey-erp/corebank/internal/integration/loans"
	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/ledger/mappings"
	"github.com/odyssey-erp/corebank/internal/observability"
	"github.com/odyssey-erp/corebank/internal/operations"
	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/platform/lock"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// ServiceDeps carries the infrastructure the domain services are built on.
type ServiceDeps struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Metrics    *observability.Metrics
	HTTPClient *http.Client
}

// Services is the wired domain layer shared by the API server and the worker.
type Services struct {
	Serial      *serial.Service
	Days        *accountingday.Service
	Ledger      *ledger.Service
	Custody     *custody.Service
	Operations  *operations.Service
	Idempotency *operations.IdempotencyStore
	Approvals   *shared.ApprovalRecorder
}

// NewServices builds every domain service against Postgres and Redis.
func NewServices(deps ServiceDeps) (*Services, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auditLogger := audit.NewLogger(deps.Pool)
	approvals := shared.NewApprovalRecorder(deps.Pool, logger)

	serialCfg := serial.Config{Width: cfg.SerialWidth}
	if cfg.OperationPrefixesFile != "" {
		prefixes, err := serial.LoadPrefixes(cfg.OperationPrefixesFile)
		if err != nil {
			return nil, err
		}
		serialCfg.Prefixes = prefixes
	}
	serialSvc := serial.NewService(serial.NewRepository(deps.Pool), serialCfg, logger.With(slog.String("component", "serial")))
	serialSvc.WithMetrics(deps.Metrics)

	days := accountingday.NewService(accountingday.NewRepository(deps.Pool), accountingday.Options{
		Centralized: cfg.CentralizedDay,
		Pending:     serialSvc,
		Audit:       auditLogger,
		Logger:      logger.With(slog.String("component", "accountingday")),
	})

	ledgerRepo := ledger.NewRepository(deps.Pool)
	var chart ledger.ChartSource
	if deps.Redis != nil {
		chart = ledger.NewRedisChart(deps.Redis, ledgerRepo, cfg.ChartCacheTTL, logger)
	}
	ledgerSvc := ledger.NewService(ledger.Deps{
		Repo:    ledgerRepo,
		Chart:   chart,
		Gate:    days,
		Codes:   serialSvc,
		Audit:   auditLogger,
		Metrics: deps.Metrics,
		Logger:  logger.With(slog.String("component", "ledger")),
		Retry: db.RetryPolicy{
			MaxAttempts: cfg.PostingAttempts,
			BaseDelay:   cfg.PostingBackoff,
			MaxDelay:    cfg.PostingBackoff * 16,
		},
	})

	accounts := mappings.NewResolver(mappings.NewRepository(deps.Pool))

	var locker lock.Locker = lock.NopLocker{}
	if deps.Redis != nil {
		opts := lock.DefaultOptions()
		opts.Expiry = cfg.CustodyLockTTL
		locker = lock.NewRedisLocker(deps.Redis, opts)
	}

	custodySvc := custody.NewService(custody.Deps{
		Repo:      custody.NewRepository(deps.Pool),
		Ledger:    ledgerSvc,
		Codes:     serialSvc,
		Accounts:  accounts,
		Locker:    locker,
		Audit:     auditLogger,
		Approvals: approvals,
		Metrics:   deps.Metrics,
		Logger:    logger.With(slog.String("component", "custody")),
	})
	days.RegisterCloseCheck("custody", custodySvc.CloseCheck)
	ledgerSvc.WithReversalPolicy(custodySvc)

	loanClient := loans.NewClient(loans.Config{
		BaseURL:             cfg.LoanServiceURL,
		Timeout:             cfg.LoanServiceTimeout,
		ConsecutiveFailures: cfg.LoanBreakerFailures,
		OpenFor:             cfg.LoanBreakerOpenFor,
	}, deps.HTTPClient, logger.With(slog.String("component", "loans")))

	idempotency := operations.NewIdempotencyStore(deps.Pool)
	opsSvc := operations.NewService(operations.Deps{
		Gate:        days,
		Ledger:      ledgerSvc,
		Codes:       serialSvc,
		Custody:     custodySvc,
		Loans:       loanClient,
		Accounts:    accounts,
		Idempotency: idempotency,
		Metrics:     deps.Metrics,
		Logger:      logger.With(slog.String("component", "operations")),
		BankID:      cfg.BankID,
	})

	return &Services{
		Serial:      serialSvc,
		Days:        days,
		Ledger:      ledgerSvc,
		Custody:     custodySvc,
		Operations:  opsSvc,
		Idempotency: idempotency,
		Approvals:   approvals,
	}, nil
}
