package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/corebank/internal/custody"
	jobmetrics "github.com/odyssey-erp/corebank/internal/jobs"
)

// Reconciler compares custody balances with the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, branch string, date time.Time) ([]custody.Discrepancy, error)
}

// CustodyReconcileJob reports tills and vaults whose custody balance disagrees
// with the ledger.
type CustodyReconcileJob struct {
	Custody Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCustodyReconcileJob constructs the job handler.
func NewCustodyReconcileJob(reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *CustodyReconcileJob {
	return &CustodyReconcileJob{
		Custody: reconciler,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle runs the reconciliation. Discrepancies are reported, not retried.
func (j *CustodyReconcileJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Custody == nil {
		return errors.New("custody reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Branch == "" {
		payload.Branch = "*"
	}
	metrics := j.metrics()
	tracker := metrics.Track("custody_reconcile")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	date, err := resolveDate(payload.Date, j.now())
	if err != nil {
		return err
	}
	logger := j.logger().With(slog.String("branch", payload.Branch), slog.String("date", date.Format(dateLayout)))

	found, err := j.Custody.Reconcile(ctx, payload.Branch, date)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}
	for _, d := range found {
		logger.Warn("custody discrepancy",
			slog.String("party", string(d.Party)),
			slog.Int64("id", d.ID),
			slog.String("account", d.AccountNumber),
			slog.String("custody", d.CustodyBalance.String()),
			slog.String("ledger", d.LedgerBalance.String()),
		)
	}
	metrics.AddFindings("custody_discrepancy", payload.Branch, len(found))
	logger.Info("custody reconciled", slog.Int("discrepancies", len(found)))
	return nil
}

func (j *CustodyReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCustodyReconcile))
	}
	return slog.Default().With(slog.String("job", TaskCustodyReconcile))
}

func (j *CustodyReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CustodyReconcileJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
