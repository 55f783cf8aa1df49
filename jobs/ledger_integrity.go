package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/corebank/internal/jobs"
	"github.com/odyssey-erp/corebank/internal/ledger"
)

// IntegrityVerifier recomputes the ledger invariants for a date.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context, date time.Time) (ledger.IntegrityReport, error)
}

// LedgerIntegrityJob runs the nightly ledger integrity check.
type LedgerIntegrityJob struct {
	Ledger  IntegrityVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob constructs the job handler.
func NewLedgerIntegrityJob(verifier IntegrityVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Ledger:  verifier,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle verifies the day's entry sets. Violations fail the run without retry so
// the failure counter raises the alert.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload DatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	metrics := j.metrics()
	tracker := metrics.Track("ledger_integrity")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	date, err := resolveDate(payload.Date, j.now())
	if err != nil {
		return err
	}
	logger := j.logger().With(slog.String("date", date.Format(dateLayout)))

	report, err := j.Ledger.VerifyIntegrity(ctx, date)
	if err != nil {
		logger.Error("integrity check failed", slog.Any("error", err))
		return err
	}
	metrics.AddFindings("checksum_mismatch", "", len(report.ChecksumMismatches))
	metrics.AddFindings("unbalanced_entry_set", "", len(report.Unbalanced))
	metrics.AddFindings("balance_drift", "", len(report.Drift))
	if !report.OK() {
		for _, d := range report.Drift {
			logger.Warn("balance drift",
				slog.String("account", d.AccountNumber),
				slog.String("stored", d.Stored.String()),
				slog.String("from_legs", d.FromLegs.String()),
			)
		}
		return fmt.Errorf("ledger integrity: %d checksum, %d unbalanced, %d drift: %w",
			len(report.ChecksumMismatches), len(report.Unbalanced), len(report.Drift), asynq.SkipRetry)
	}
	logger.Info("ledger integrity verified", slog.Int("sets", report.SetsChecked))
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
