package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/corebank/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries checks that gate the end of day.
	QueueCritical = "critical"

	// TaskLedgerIntegrity verifies checksums, balance and stored balances.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskCustodyReconcile compares custody balances with ledger balances.
	TaskCustodyReconcile = "custody:reconcile"
	// TaskSerialSweep reverts reservations that were never used.
	TaskSerialSweep = "serial:sweep"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

const dateLayout = "2006-01-02"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// DatePayload scopes a job to a business date; empty means the day before the run.
type DatePayload struct {
	Date string `json:"date,omitempty"`
}

// ReconcilePayload scopes a reconciliation run.
type ReconcilePayload struct {
	Branch string `json:"branch,omitempty"`
	Date   string `json:"date,omitempty"`
}

// SweepPayload configures a stale reservation sweep.
type SweepPayload struct {
	OlderThan string `json:"older_than,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CleanupPayload configures idempotency key retention.
type CleanupPayload struct {
	Retention string `json:"retention,omitempty"`
}

// NewLedgerIntegrityTask builds the integrity task for date ("" for yesterday).
func NewLedgerIntegrityTask(date string) (*asynq.Task, error) {
	return newTask(TaskLedgerIntegrity, DatePayload{Date: date}, QueueCritical)
}

// NewCustodyReconcileTask builds the reconciliation task. Branch "" means all branches.
func NewCustodyReconcileTask(branch, date string) (*asynq.Task, error) {
	if branch == "" {
		branch = "*"
	}
	return newTask(TaskCustodyReconcile, ReconcilePayload{Branch: branch, Date: date}, QueueCritical)
}

// NewSerialSweepTask builds the sweep task.
func NewSerialSweepTask(olderThan time.Duration, limit int) (*asynq.Task, error) {
	return newTask(TaskSerialSweep, SweepPayload{OlderThan: olderThan.String(), Limit: limit}, QueueDefault)
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, CleanupPayload{Retention: retention.String()}, QueueDefault)
}

func newTask(typ string, payload any, queue string) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(queue)), nil
}

// resolveDate parses a payload date, defaulting to the business day before now.
func resolveDate(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		y, m, d := now.UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("jobs: invalid date %q: %w", raw, asynq.SkipRetry)
	}
	return date, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("jobs: invalid duration %q: %w", raw, asynq.SkipRetry)
	}
	return d, nil
}
