package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

var june1 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func testAccounts() []Account {
	return []Account{
		{Number: "1000", Name: "Assets", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true},
		{Number: "1010", ParentNumber: "1000", Name: "Vault B01", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, Balance: decimal.NewFromInt(500000)},
		{Number: "1020", ParentNumber: "1000", Name: "Till T1", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true},
		{Number: "1990", ParentNumber: "1000", Name: "Cash suspense", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, CanBeNegative: true},
		{Number: "2000", Name: "Liabilities", Currency: "XAF", IsBalanceAccount: true},
		{Number: "2010", ParentNumber: "2000", Name: "Customer C1", Currency: "XAF", IsBalanceAccount: true, IsPostable: true},
		{Number: "2020", ParentNumber: "2000", Name: "Customer C2", Currency: "XAF", IsBalanceAccount: true, IsPostable: true},
		{Number: "3000", Name: "Equity", Currency: "XAF", IsBalanceAccount: true},
		{Number: "3010", ParentNumber: "3000", Name: "Capital", Currency: "XAF", IsBalanceAccount: true, IsPostable: true, Balance: decimal.NewFromInt(500000)},
		{Number: "4010", Name: "USD nostro", Currency: "USD", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true},
	}
}

type stubGate struct {
	err error
}

func (g stubGate) EnsureOpenForPosting(context.Context, string, time.Time) error {
	return g.err
}

type stubCodes struct {
	mu   sync.Mutex
	used map[string]bool
}

func (c *stubCodes) MarkUsed(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used == nil {
		c.used = map[string]bool{}
	}
	if c.used[code] {
		return fmt.Errorf("serial: %s: %w", code, shared.ErrDuplicateCode)
	}
	c.used[code] = true
	return nil
}

func (c *stubCodes) Revert(context.Context, string, string) error {
	return nil
}

func newTestService(t *testing.T, gate DayGate) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository(testAccounts()...)
	svc := NewService(Deps{
		Repo:   repo,
		Gate:   gate,
		Codes:  &stubCodes{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  db.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	svc.WithNow(func() time.Time { return june1.Add(10 * time.Hour) })
	return svc, repo
}

func xaf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func deposit(code, account string, amount int64) PostingInput {
	return PostingInput{
		Code:        code,
		ReferenceID: "REF-" + code,
		BranchCode:  "B01",
		EntryDate:   june1,
		Currency:    "XAF",
		PostedBy:    9,
		Legs: []LegInput{
			{AccountNumber: "1020", Side: SideDebit, Amount: xaf(amount)},
			{AccountNumber: account, Side: SideCredit, Amount: xaf(amount)},
		},
	}
}

func balanceOf(t *testing.T, svc *Service, number string) decimal.Decimal {
	t.Helper()
	bal, err := svc.GetAccountBalance(context.Background(), number)
	require.NoError(t, err)
	return bal.Balance
}

func TestPostDepositUpdatesBalancesAndRunningBalances(t *testing.T) {
	svc, _ := newTestService(t, stubGate{})
	ctx := context.Background()

	set, err := svc.Post(ctx, deposit("DEP-B01-20240601001", "2010", 10000))
	require.NoError(t, err)
	assert.Equal(t, EntryStatusPosted, set.Status)
	require.Len(t, set.Legs, 2)
	assert.True(t, set.Legs[0].RunningBalance.Equal(xaf(10000)))
	assert.True(t, set.Legs[1].RunningBalance.Equal(xaf(10000)))
	assert.NotEmpty(t, set.Checksum)

	_, err = svc.Post(ctx, deposit("DEP-B01-20240601002", "2010", 2500))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, svc, "2010").Equal(xaf(12500)))
	assert.True(t, balanceOf(t, svc, "1020").Equal(xaf(12500)))
	assert.True(t, balanceOf(t, svc, "2000").Equal(xaf(12500)))

	sets, err := svc.ListByReference(ctx, "REF-DEP-B01-20240601002")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	debit, credit := sets[0].Totals()
	assert.True(t, debit.Equal(credit))
}

func TestPostRejectsInvalidInput(t *testing.T) {
	svc, repo := newTestService(t, stubGate{})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*PostingInput)
		want   error
	}{
		{"unbalanced", func(in *PostingInput) { in.Legs[1].Amount = xaf(9999) }, shared.ErrUnbalancedEntry},
		{"single leg", func(in *PostingInput) { in.Legs = in.Legs[:1] }, ErrTooFewLegs},
		{"zero amount", func(in *PostingInput) { in.Legs[0].Amount, in.Legs[1].Amount = xaf(0), xaf(0) }, ErrInvalidAmount},
		{"minor unit", func(in *PostingInput) {
			in.Legs[0].Amount = decimal.RequireFromString("100.5")
			in.Legs[1].Amount = decimal.RequireFromString("100.5")
		}, ErrInvalidAmount},
		{"unknown account", func(in *PostingInput) { in.Legs[1].AccountNumber = "9999" }, shared.ErrUnknownAccount},
		{"aggregate account", func(in *PostingInput) { in.Legs[1].AccountNumber = "2000" }, shared.ErrUnknownAccount},
		{"currency", func(in *PostingInput) { in.Legs[1].AccountNumber = "4010" }, ErrCurrencyMismatch},
		{"unknown currency", func(in *PostingInput) { in.Currency = "ZZZ" }, shared.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := deposit("DEP-B01-20240601001", "2010", 100)
			tc.mutate(&in)
			_, err := svc.Post(ctx, in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	sets, err := repo.ListByDate(ctx, june1)
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestPostRejectsNegativeBalanceWithoutPartialCommit(t *testing.T) {
	svc, repo := newTestService(t, stubGate{})
	ctx := context.Background()
	_, err := svc.Post(ctx, deposit("DEP-B01-20240601001", "2010", 10000))
	require.NoError(t, err)

	withdrawal := PostingInput{
		Code:       "WDR-B01-20240601001",
		BranchCode: "B01",
		EntryDate:  june1,
		Currency:   "XAF",
		Legs: []LegInput{
			{AccountNumber: "2010", Side: SideDebit, Amount: xaf(20000)},
			{AccountNumber: "1020", Side: SideCredit, Amount: xaf(20000)},
		},
	}
	_, err = svc.Post(ctx, withdrawal)
	require.ErrorIs(t, err, shared.ErrNegativeBalanceNotAllowed)

	assert.True(t, balanceOf(t, svc, "2010").Equal(xaf(10000)))
	assert.True(t, balanceOf(t, svc, "1020").Equal(xaf(10000)))
	sets, err := repo.ListByDate(ctx, june1)
	require.NoError(t, err)
	assert.Len(t, sets, 1)
}

func TestPostAllowsNegativeOnPermittedAccount(t *testing.T) {
	svc, _ := newTestService(t, stubGate{})
	in := PostingInput{
		Code:       "VAR-B01-20240601001",
		BranchCode: "B01",
		EntryDate:  june1,
		Currency:   "XAF",
		Legs: []LegInput{
			{AccountNumber: "1010", Side: SideDebit, Amount: xaf(500)},
			{AccountNumber: "1990", Side: SideCredit, Amount: xaf(500)},
		},
	}
	_, err := svc.Post(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, svc, "1990").Equal(xaf(-500)))
}

func TestPostRejectsDuplicateCode(t *testing.T) {
	svc, _ := newTestService(t, stubGate{})
	ctx := context.Background()
	_, err := svc.Post(ctx, deposit("DEP-B01-20240601001", "2010", 100))
	require.NoError(t, err)
	_, err = svc.Post(ctx, deposit("DEP-B01-20240601001", "2010", 100))
	require.ErrorIs(t, err, shared.ErrDuplicateCode)
	assert.True(t, balanceOf(t, svc, "2010").Equal(xaf(100)))
}

func TestPostRejectedWhenDayClosed(t *testing.T) {
	svc, repo := newTestService(t, stubGate{err: fmt.Errorf("%w: B01 2024-06-01", shared.ErrDayClosed)})
	_, err := svc.Post(context.Background(), deposit("DEP-B01-20240601001", "2010", 100))
	require.ErrorIs(t, err, shared.ErrDayClosed)
	sets, err := repo.ListByDate(context.Background(), june1)
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestPostExtensionFailureRollsBack(t *testing.T) {
	svc, _ := newTestService(t, stubGate{})
	boom := errors.New("custody update failed")
	var seen EntrySet
	_, err := svc.Post(context.Background(), deposit("DEP-B01-20240601001", "2010", 100),
		WithExtension(ExtensionFunc(func(ctx context.Context, set EntrySet) error {
			seen = set
			return boom
		})))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "DEP-B01-20240601001", seen.Code)
	assert.True(t, balanceOf(t, svc, "2010").IsZero())
}

type flakyRepo struct {
	*MemoryRepository
	failures int
}

func (f *flakyRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return f.MemoryRepository.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return fn(ctx, &flakyTx{TxRepository: tx, repo: f})
	})
}

type flakyTx struct {
	TxRepository
	repo *flakyRepo
}

func (f *flakyTx) UpdateBalance(ctx context.Context, number string, balance decimal.Decimal, version int64) error {
	if f.repo.failures > 0 {
		f.repo.failures--
		return fmt.Errorf("ledger: account %s: %w", number, db.ErrStaleVersion)
	}
	return f.TxRepository.UpdateBalance(ctx, number, balance, version)
}

func TestPostRetriesVersionConflicts(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: NewMemoryRepository(testAccounts()...), failures: 2}
	svc := NewService(Deps{Repo: repo, Retry: db.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}})
	_, err := svc.Post(context.Background(), deposit("DEP-B01-20240601001", "2010", 100))
	require.NoError(t, err)
	acc, err := repo.GetAccount(context.Background(), "2010")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(xaf(100)))
	assert.Equal(t, int64(1), acc.Version)

	repo.failures = 10
	_, err = svc.Post(context.Background(), deposit("DEP-B01-20240601002", "2010", 100))
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
}

func TestConcurrentPostingsKeepBalancesExact(t *testing.T) {
	svc, _ := newTestService(t, stubGate{})
	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Post(context.Background(), deposit(fmt.Sprintf("DEP-B01-20240601%03d", i+1), "2010", 1000))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balanceOf(t, svc, "2010").Equal(xaf(workers*1000)))
}

func TestReverseMirrorsLegsAndRejectsSecondReversal(t *testing.T) {
	svc, _ := newTestService(t, stubGate{})
	ctx := context.Background()
	original, err := svc.Post(ctx, deposit("DEP-B01-20240601001", "2010", 10000))
	require.NoError(t, err)

	reversal, err := svc.Reverse(ctx, ReverseInput{EntrySetID: original.ID, ActorID: 7, Code: "REV-B01-20240601001"})
	require.NoError(t, err)
	require.NotNil(t, reversal.ReversalOf)
	assert.Equal(t, original.ID, *reversal.ReversalOf)
	require.Len(t, reversal.Legs, 2)
	for i, leg := range reversal.Legs {
		assert.Equal(t, original.Legs[i].AccountNumber, leg.AccountNumber)
		assert.Equal(t, original.Legs[i].Side.Opposite(), leg.Side)
		assert.True(t, original.Legs[i].Amount.Equal(leg.Amount))
	}
	assert.Equal(t, "Reversal of DEP-B01-20240601001", reversal.Memo)
	assert.True(t, balanceOf(t, svc, "2010").IsZero())
	assert.True(t, balanceOf(t, svc, "1020").IsZero())

	stored, err := svc.GetEntrySet(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryStatusReversed, stored.Status)
	assert.Equal(t, original.Legs, stored.Legs)
	assert.Equal(t, original.Checksum, Checksum(stored))

	_, err = svc.Reverse(ctx, ReverseInput{EntrySetID: original.ID, ActorID: 7, Code: "REV-B01-20240601002"})
	require.ErrorIs(t, err, ErrAlreadyReversed)
	_, err = svc.Reverse(ctx, ReverseInput{EntrySetID: reversal.ID, ActorID: 7, Code: "REV-B01-20240601003"})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestReverseUnknownEntrySet(t *testing.T) {
	svc, _ := newTestService(t, stubGate{})
	_, err := svc.Reverse(context.Background(), ReverseInput{EntrySetID: [16]byte{1}, Code: "REV-B01-20240601001"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestTrialBalanceAndIntegrity(t *testing.T) {
	svc, repo := newTestService(t, stubGate{})
	ctx := context.Background()
	first, err := svc.Post(ctx, deposit("DEP-B01-20240601001", "2010", 10000))
	require.NoError(t, err)
	_, err = svc.Post(ctx, deposit("DEP-B01-20240601002", "2020", 4000))
	require.NoError(t, err)

	tb, err := svc.TrialBalance(ctx, "XAF")
	require.NoError(t, err)
	assert.True(t, tb.Balanced)
	assert.True(t, tb.TotalDebit.Equal(xaf(514000)))

	// Seeded opening balances have no legs behind them.
	report, err := svc.VerifyIntegrity(ctx, june1)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SetsChecked)
	assert.Empty(t, report.ChecksumMismatches)
	assert.Empty(t, report.Unbalanced)
	assert.Len(t, report.Drift, 2)

	repo.Tamper(first.ID, func(set *EntrySet) { set.Legs[0].Amount = xaf(1) })
	report, err = svc.VerifyIntegrity(ctx, june1)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEP-B01-20240601001"}, report.ChecksumMismatches)
	assert.Equal(t, []string{"DEP-B01-20240601001"}, report.Unbalanced)
	assert.False(t, report.OK())
}

func TestRejectedPostingRevertsItsCode(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codes := serial.NewService(serial.NewMemoryRepository(), serial.Config{Width: 3}, logger)
	svc := NewService(Deps{
		Repo:   NewMemoryRepository(testAccounts()...),
		Gate:   stubGate{},
		Codes:  codes,
		Logger: logger,
		Retry:  db.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	svc.WithNow(func() time.Time { return june1.Add(10 * time.Hour) })

	reserve := func(op serial.OperationType) string {
		res, err := codes.ReserveCode(ctx, serial.ReserveInput{BranchCode: "B01", OperationType: op, Date: june1})
		require.NoError(t, err)
		return res.Code
	}
	status := func(code string) serial.Status {
		res, err := codes.Get(ctx, code)
		require.NoError(t, err)
		return res.Status
	}

	unbalanced := deposit(reserve(serial.OpDeposit), "2010", 10000)
	unbalanced.Legs[1].Amount = xaf(9000)
	_, err := svc.Post(ctx, unbalanced)
	require.ErrorIs(t, err, shared.ErrUnbalancedEntry)
	assert.Equal(t, serial.StatusReverted, status(unbalanced.Code))

	overdraw := PostingInput{
		Code:       reserve(serial.OpWithdrawal),
		BranchCode: "B01",
		EntryDate:  june1,
		Currency:   "XAF",
		Legs: []LegInput{
			{AccountNumber: "2010", Side: SideDebit, Amount: xaf(500)},
			{AccountNumber: "1020", Side: SideCredit, Amount: xaf(500)},
		},
	}
	_, err = svc.Post(ctx, overdraw)
	require.ErrorIs(t, err, shared.ErrNegativeBalanceNotAllowed)
	assert.Equal(t, serial.StatusReverted, status(overdraw.Code), "rollback must undo the consumed code before it is reverted")

	_, err = svc.Reverse(ctx, ReverseInput{EntrySetID: uuid.New(), Code: reserve(serial.OpReversal), ActorID: 9})
	require.ErrorIs(t, err, shared.ErrNotFound)
	pending, err := codes.PendingCount(ctx, "B01", june1)
	require.NoError(t, err)
	assert.Zero(t, pending)

	posted := deposit(reserve(serial.OpDeposit), "2010", 100)
	_, err = svc.Post(ctx, posted)
	require.NoError(t, err)
	_, err = svc.Post(ctx, posted)
	require.ErrorIs(t, err, shared.ErrDuplicateCode)
	assert.Equal(t, serial.StatusUsed, status(posted.Code))

	owned, rollback, _ := db.BeginUndo(ctx)
	held := deposit(reserve(serial.OpDeposit), "2010", 100)
	held.Legs[1].Amount = xaf(1)
	_, err = svc.Post(owned, held)
	require.Error(t, err)
	rollback()
	assert.Equal(t, serial.StatusReserved, status(held.Code), "the owning caller settles its own code")
}
