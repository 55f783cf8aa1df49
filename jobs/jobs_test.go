package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/custody"
	jobmetrics "github.com/odyssey-erp/corebank/internal/jobs"
	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/shared"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubVerifier struct {
	date   time.Time
	report ledger.IntegrityReport
}

func (s *stubVerifier) VerifyIntegrity(_ context.Context, date time.Time) (ledger.IntegrityReport, error) {
	s.date = date
	return s.report, nil
}

type stubReconciler struct {
	branch string
	found  []custody.Discrepancy
}

func (s *stubReconciler) Reconcile(_ context.Context, branch string, _ time.Time) ([]custody.Discrepancy, error) {
	s.branch = branch
	return s.found, nil
}

type stubSweeper struct {
	olderThan time.Duration
	limit     int
}

func (s *stubSweeper) SweepStale(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	s.olderThan, s.limit = olderThan, limit
	return 3, nil
}

type stubCleaner struct{ retention time.Duration }

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return 10, nil
}

func TestLedgerIntegrityDefaultsToYesterday(t *testing.T) {
	verifier := &stubVerifier{report: ledger.IntegrityReport{SetsChecked: 4}}
	job := NewLedgerIntegrityJob(verifier, quiet, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = func() time.Time { return time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC) }

	task, err := NewLedgerIntegrityTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), verifier.date)
}

func TestLedgerIntegrityViolationsSkipRetry(t *testing.T) {
	verifier := &stubVerifier{report: ledger.IntegrityReport{
		Drift: []ledger.AccountDrift{{AccountNumber: "1020", Stored: decimal.NewFromInt(100), FromLegs: decimal.Zero}},
	}}
	job := NewLedgerIntegrityJob(verifier, quiet, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewLedgerIntegrityTask("2024-06-01")
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	bad, err := NewLedgerIntegrityTask("06/01/2024")
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}

func TestCustodyReconcileReportsDiscrepancies(t *testing.T) {
	reconciler := &stubReconciler{found: []custody.Discrepancy{{Party: custody.PartyTeller, ID: 1, AccountNumber: "1020", Difference: decimal.NewFromInt(100)}}}
	job := NewCustodyReconcileJob(reconciler, quiet, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewCustodyReconcileTask("", "2024-06-01")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, "*", reconciler.branch)
}

func TestMaintenanceJobs(t *testing.T) {
	sweeper := &stubSweeper{}
	cleaner := &stubCleaner{}
	jobs := &MaintenanceJobs{Codes: sweeper, Keys: cleaner, Logger: quiet, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}

	sweep, err := NewSerialSweepTask(30*time.Minute, 100)
	require.NoError(t, err)
	require.NoError(t, jobs.HandleSerialSweep(context.Background(), sweep))
	assert.Equal(t, 30*time.Minute, sweeper.olderThan)
	assert.Equal(t, 100, sweeper.limit)

	cleanup := asynq.NewTask(TaskIdempotencyCleanup, []byte(`{}`))
	require.NoError(t, jobs.HandleIdempotencyCleanup(context.Background(), cleanup))
	assert.Equal(t, defaultRetention, cleaner.retention)

	bad := asynq.NewTask(TaskSerialSweep, []byte(`{"older_than":"-1h"}`))
	assert.ErrorIs(t, jobs.HandleSerialSweep(context.Background(), bad), asynq.SkipRetry)
}

type stubEnqueuer struct {
	branch, date string
	err          error
}

func (s *stubEnqueuer) EnqueueCustodyReconcile(_ context.Context, branch, date string) (*asynq.TaskInfo, error) {
	s.branch, s.date = branch, date
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "t1", Queue: QueueCritical, Type: TaskCustodyReconcile}, nil
}

func (s *stubEnqueuer) EnqueueLedgerIntegrity(_ context.Context, date string) (*asynq.TaskInfo, error) {
	s.date = date
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "t2", Queue: QueueCritical, Type: TaskLedgerIntegrity}, nil
}

func TestHandlerEnqueues(t *testing.T) {
	client := &stubEnqueuer{}
	m := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(m.Identify)
	r.Route("/jobs", NewHandler(nil, client, m, quiet).MountRoutes)

	post := func(path, perms, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set(rbac.HeaderActorID, "9")
		req.Header.Set(rbac.HeaderPermissions, perms)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := post("/jobs/custody-reconcile", shared.PermCustodyManage, `{"branch":"B01","date":"2024-06-01"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, "B01", client.branch)
	assert.Contains(t, rr.Body.String(), `"id":"t1"`)

	assert.Equal(t, http.StatusForbidden, post("/jobs/custody-reconcile", shared.PermCustodyView, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/jobs/ledger-integrity", shared.PermLedgerView, `{"date":"yesterday"}`).Code)

	client.err = errors.New("redis down")
	assert.Equal(t, http.StatusServiceUnavailable, post("/jobs/ledger-integrity", shared.PermLedgerView, `{"date":"2024-06-01"}`).Code)

	health := httptest.NewRecorder()
	r.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}
