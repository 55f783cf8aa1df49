package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/corebank/internal/jobs"
)

const (
	defaultSweepAge  = 2 * time.Hour
	defaultRetention = 7 * 24 * time.Hour
)

// Sweeper reverts stale code reservations.
type Sweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// KeyCleaner drops idempotency keys older than a retention.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MaintenanceJobs groups the housekeeping handlers.
type MaintenanceJobs struct {
	Codes   Sweeper
	Keys    KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// HandleSerialSweep reverts reservations left behind by crashed requests.
func (j *MaintenanceJobs) HandleSerialSweep(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Codes == nil {
		return errors.New("serial sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	olderThan, err := parseDuration(payload.OlderThan, defaultSweepAge)
	if err != nil {
		return err
	}
	tracker := j.metrics().Track("serial_sweep")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	reverted, err := j.Codes.SweepStale(ctx, olderThan, payload.Limit)
	if err != nil {
		j.logger(TaskSerialSweep).Error("sweep failed", slog.Int("reverted", reverted), slog.Any("error", err))
		return err
	}
	j.metrics().AddFindings("stale_reservation", "", reverted)
	j.logger(TaskSerialSweep).Info("stale reservations swept", slog.Int("reverted", reverted))
	return nil
}

// HandleIdempotencyCleanup deletes expired idempotency keys.
func (j *MaintenanceJobs) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload CleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention, err := parseDuration(payload.Retention, defaultRetention)
	if err != nil {
		return err
	}
	tracker := j.metrics().Track("idempotency_cleanup")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	removed, err := j.Keys.Cleanup(ctx, retention)
	if err != nil {
		j.logger(TaskIdempotencyCleanup).Error("cleanup failed", slog.Any("error", err))
		return err
	}
	j.logger(TaskIdempotencyCleanup).Info("idempotency keys removed", slog.Int64("removed", removed))
	return nil
}

func (j *MaintenanceJobs) logger(task string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *MaintenanceJobs) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
