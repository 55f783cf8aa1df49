package accountingday

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/shared"
)

type dayKey struct {
	branch string
	date   time.Time
}

type stubRepo struct {
	mu      sync.Mutex
	days    map[dayKey]Day
	entries map[dayKey]int
}

func newStubRepo() *stubRepo {
	return &stubRepo{days: map[dayKey]Day{}, entries: map[dayKey]int{}}
}

func (r *stubRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[dayKey]Day, len(r.days))
	for k, v := range r.days {
		snapshot[k] = v
	}
	if err := fn(ctx, stubTx{repo: r}); err != nil {
		r.days = snapshot
		return err
	}
	return nil
}

func (r *stubRepo) Get(ctx context.Context, branch string, date time.Time) (Day, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day, ok := r.days[dayKey{branch, date}]
	if !ok {
		return Day{}, ErrDayNotFound
	}
	return day, nil
}

func (r *stubRepo) List(ctx context.Context, branch string, from, to time.Time) ([]Day, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Day
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if day, ok := r.days[dayKey{branch, d}]; ok {
			out = append(out, day)
		}
	}
	return out, nil
}

type stubTx struct {
	repo *stubRepo
}

func (tx stubTx) LockDay(ctx context.Context, branch string, date time.Time) (Day, error) {
	day, ok := tx.repo.days[dayKey{branch, date}]
	if !ok {
		return Day{}, ErrDayNotFound
	}
	return day, nil
}

func (tx stubTx) ShareDay(ctx context.Context, branch string, date time.Time) (Day, error) {
	return tx.LockDay(ctx, branch, date)
}

func (tx stubTx) InsertDay(ctx context.Context, day Day) error {
	tx.repo.days[dayKey{day.BranchCode, day.Date}] = day
	return nil
}

func (tx stubTx) UpdateDay(ctx context.Context, day Day) error {
	tx.repo.days[dayKey{day.BranchCode, day.Date}] = day
	return nil
}

func (tx stubTx) DeleteDay(ctx context.Context, branch string, date time.Time) error {
	delete(tx.repo.days, dayKey{branch, date})
	return nil
}

func (tx stubTx) CountEntrySets(ctx context.Context, branch string, date time.Time) (int, error) {
	return tx.repo.entries[dayKey{branch, date}], nil
}

type stubPending struct {
	count int
}

func (p *stubPending) PendingCount(ctx context.Context, branch string, date time.Time) (int, error) {
	return p.count, nil
}

type stubAudit struct {
	actions []string
}

func (a *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

var (
	june1 = time.Date(2024, 6, 1, 15, 30, 0, 0, time.UTC)

	supervisor = shared.Actor{ID: 7, BranchCode: "B01", Permissions: shared.DayScopes()}
	teller     = shared.Actor{ID: 9, BranchCode: "B01", Permissions: []string{shared.PermDayOpen, shared.PermDayClose}}
)

func newTestService(opts Options) (*Service, *stubRepo) {
	repo := newStubRepo()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, opts)
	svc.WithNow(func() time.Time { return june1 })
	return svc, repo
}

func TestOpenCreatesDayAndRejectsSecondOpen(t *testing.T) {
	audit := &stubAudit{}
	svc, _ := newTestService(Options{Audit: audit})
	ctx := context.Background()

	day, err := svc.Open(ctx, "b01", june1, teller)
	require.NoError(t, err)
	assert.Equal(t, "B01", day.BranchCode)
	assert.Equal(t, StatusOpen, day.Status)
	assert.Equal(t, BusinessDate(june1), day.Date)

	_, err = svc.Open(ctx, "B01", june1, teller)
	require.ErrorIs(t, err, ErrDayAlreadyOpen)
	assert.Equal(t, []string{"accounting_day.open"}, audit.actions)

	open, err := svc.IsDayOpen(ctx, "B01", june1)
	require.NoError(t, err)
	assert.True(t, open)
}

func TestOpenRequiresPermission(t *testing.T) {
	svc, _ := newTestService(Options{})
	_, err := svc.Open(context.Background(), "B01", june1, shared.Actor{ID: 3})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestCloseThenPostingRejected(t *testing.T) {
	svc, _ := newTestService(Options{Pending: &stubPending{}})
	ctx := context.Background()
	_, err := svc.Open(ctx, "B01", june1, teller)
	require.NoError(t, err)
	require.NoError(t, svc.EnsureOpenForPosting(ctx, "B01", june1))

	day, err := svc.Close(ctx, "B01", june1, teller)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, day.Status)
	require.NotNil(t, day.ClosedBy)
	assert.Equal(t, teller.ID, *day.ClosedBy)

	err = svc.EnsureOpenForPosting(ctx, "B01", june1)
	require.ErrorIs(t, err, shared.ErrDayClosed)

	_, err = svc.Close(ctx, "B01", june1, teller)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestEnsureOpenForPostingOnMissingDay(t *testing.T) {
	svc, _ := newTestService(Options{})
	err := svc.EnsureOpenForPosting(context.Background(), "B01", june1)
	require.ErrorIs(t, err, shared.ErrDayClosed)
}

func TestCloseBlockedByReservedCodes(t *testing.T) {
	pending := &stubPending{count: 2}
	svc, _ := newTestService(Options{Pending: pending})
	ctx := context.Background()
	_, err := svc.Open(ctx, "B01", june1, teller)
	require.NoError(t, err)

	_, err = svc.Close(ctx, "B01", june1, teller)
	require.ErrorIs(t, err, ErrPostingsInFlight)

	pending.count = 0
	_, err = svc.Close(ctx, "B01", june1, teller)
	require.NoError(t, err)
}

func TestCloseCheckVetoKeepsDayOpen(t *testing.T) {
	svc, repo := newTestService(Options{})
	ctx := context.Background()
	svc.RegisterCloseCheck("custody", func(ctx context.Context, branch string, date time.Time) error {
		return shared.ErrCustodyDiscrepancy
	})
	_, err := svc.Open(ctx, "B01", june1, teller)
	require.NoError(t, err)

	_, err = svc.Close(ctx, "B01", june1, teller)
	require.ErrorIs(t, err, shared.ErrCustodyDiscrepancy)
	day, err := repo.Get(ctx, "B01", BusinessDate(june1))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, day.Status)
}

func TestReopenLifecycle(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := context.Background()
	_, err := svc.Open(ctx, "B01", june1, teller)
	require.NoError(t, err)

	_, err = svc.Reopen(ctx, "B01", june1, supervisor, "late correction")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = svc.Close(ctx, "B01", june1, teller)
	require.NoError(t, err)

	_, err = svc.Reopen(ctx, "B01", june1, teller, "late correction")
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = svc.Reopen(ctx, "B01", june1, supervisor, "  ")
	require.ErrorIs(t, err, ErrReasonRequired)

	day, err := svc.Reopen(ctx, "B01", june1, supervisor, "late correction")
	require.NoError(t, err)
	assert.Equal(t, StatusReopened, day.Status)
	assert.Equal(t, "late correction", day.ReopenReason)
	assert.Nil(t, day.ClosedAt)
	require.NoError(t, svc.EnsureOpenForPosting(ctx, "B01", june1))

	day, err = svc.Close(ctx, "B01", june1, teller)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, day.Status)
}

func TestOpenOnClosedDayReopensWithElevatedPermission(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := context.Background()
	_, err := svc.Open(ctx, "B01", june1, teller)
	require.NoError(t, err)
	_, err = svc.Close(ctx, "B01", june1, teller)
	require.NoError(t, err)

	_, err = svc.Open(ctx, "B01", june1, teller)
	require.ErrorIs(t, err, shared.ErrForbidden)

	day, err := svc.Open(ctx, "B01", june1, supervisor)
	require.NoError(t, err)
	assert.Equal(t, StatusReopened, day.Status)
}

func TestDeleteOnlyUnusedDay(t *testing.T) {
	svc, repo := newTestService(Options{})
	ctx := context.Background()
	_, err := svc.Open(ctx, "B01", june1, teller)
	require.NoError(t, err)

	repo.entries[dayKey{"B01", BusinessDate(june1)}] = 1
	err = svc.Delete(ctx, "B01", june1, supervisor)
	require.ErrorIs(t, err, ErrDayInUse)

	repo.entries[dayKey{"B01", BusinessDate(june1)}] = 0
	require.NoError(t, svc.Delete(ctx, "B01", june1, supervisor))
	_, err = svc.Get(ctx, "B01", june1)
	require.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestCentralizedDayResolvesEveryBranch(t *testing.T) {
	svc, _ := newTestService(Options{Centralized: true})
	ctx := context.Background()
	day, err := svc.Open(ctx, "B01", june1, teller)
	require.NoError(t, err)
	assert.Equal(t, CentralBranch, day.BranchCode)
	assert.True(t, day.IsCentralized)

	open, err := svc.IsDayOpen(ctx, "B07", june1)
	require.NoError(t, err)
	assert.True(t, open)

	days, err := svc.List(ctx, "B03", june1.AddDate(0, 0, -1), june1)
	require.NoError(t, err)
	assert.Len(t, days, 1)
}
