package operations

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/custody"
	"github.com/odyssey-erp/corebank/internal/integration/loans"
	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/ledger/mappings"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

var june1 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type stubGate struct {
	mu     sync.Mutex
	closed map[string]bool
}

func (g *stubGate) EnsureOpenForPosting(_ context.Context, branch string, date time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed[branch] {
		return fmt.Errorf("%w: %s %s", shared.ErrDayClosed, branch, date.Format("2006-01-02"))
	}
	return nil
}

func (g *stubGate) set(branch string, closed bool) {
	g.mu.Lock()
	g.closed[branch] = closed
	g.mu.Unlock()
}

type stubLoans struct {
	loans map[string]loans.Loan
	err   error
}

func (s stubLoans) GetLoan(_ context.Context, id string) (loans.Loan, error) {
	if s.err != nil {
		return loans.Loan{}, s.err
	}
	loan, ok := s.loans[id]
	if !ok {
		return loans.Loan{}, loans.ErrLoanNotFound
	}
	return loan, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) ObserveOperation(kind, outcome string) {
	c.mu.Lock()
	c.counts[kind+"/"+outcome]++
	c.mu.Unlock()
}

type fixture struct {
	svc     *Service
	gate    *stubGate
	ledger  *ledger.Service
	serials *serial.Service
	custody *custody.Service
	teller  custody.Teller
	metrics *countingMetrics
	actor   shared.Actor
}

func xaf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newFixture(t *testing.T, loanSvc Loans) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return june1.Add(9 * time.Hour) }
	gate := &stubGate{closed: map[string]bool{}}

	serials := serial.NewService(serial.NewMemoryRepository(), serial.Config{Width: 3}, logger)
	serials.WithNow(clock)
	ledgerSvc := ledger.NewService(ledger.Deps{
		Repo: ledger.NewMemoryRepository(
			ledger.Account{Number: "1010", Name: "Vault", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, BranchCode: "B01", Balance: xaf(500000)},
			ledger.Account{Number: "1020", Name: "Till T1", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, BranchCode: "B01"},
			ledger.Account{Number: "1310", Name: "Loans receivable", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, Balance: xaf(150000)},
			ledger.Account{Number: "1910", Name: "Clearing B01", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, CanBeNegative: true},
			ledger.Account{Number: "1920", Name: "Clearing B02", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, CanBeNegative: true},
			ledger.Account{Number: "2010", Name: "Member M1", Currency: "XAF", IsBalanceAccount: true, IsPostable: true, BranchCode: "B01"},
			ledger.Account{Number: "2011", Name: "Member M2", Currency: "XAF", IsBalanceAccount: true, IsPostable: true, BranchCode: "B02"},
			ledger.Account{Number: "2400", Name: "Remittances payable", Currency: "XAF", IsBalanceAccount: true, IsPostable: true},
			ledger.Account{Number: "3010", Name: "Capital", Currency: "XAF", IsBalanceAccount: true, IsPostable: true, Balance: xaf(650000)},
		),
		Gate:   gate,
		Codes:  serials,
		Logger: logger,
	})
	ledgerSvc.WithNow(clock)
	custodySvc := custody.NewService(custody.Deps{
		Repo:   custody.NewMemoryRepository(),
		Ledger: ledgerSvc,
		Codes:  serials,
		Logger: logger,
	})
	custodySvc.WithNow(clock)
	ledgerSvc.WithReversalPolicy(custodySvc)

	admin := shared.Actor{ID: 1, Permissions: shared.CustodyScopes()}
	vault, err := custodySvc.RegisterVault(ctx, custody.Vault{Code: "V1", Name: "Vault", BranchCode: "B01", VaultAccount: "1010"}, admin)
	require.NoError(t, err)
	teller, err := custodySvc.RegisterTeller(ctx, custody.Teller{Code: "T1", Name: "Teller", BranchCode: "B01", Type: custody.TellerPrimary, TillAccount: "1020", UserID: 5, Active: true}, admin)
	require.NoError(t, err)
	_, err = custodySvc.Provision(ctx, custody.ProvisionInput{TellerID: teller.ID, VaultID: vault.ID, Date: june1, Amount: xaf(50000)}, admin)
	require.NoError(t, err)

	metrics := &countingMetrics{counts: map[string]int{}}
	svc := NewService(Deps{
		Gate:    gate,
		Ledger:  ledgerSvc,
		Codes:   serials,
		Custody: custodySvc,
		Loans:   loanSvc,
		Accounts: mappings.NewResolver(mappings.Static{
			"OPERATIONS/REMITTANCE_PAYABLE": "2400",
			"OPERATIONS/LOAN_RECEIVABLE":    "1310",
			"OPERATIONS/INTERBRANCH_B01":    "1910",
			"OPERATIONS/INTERBRANCH_B02":    "1920",
		}),
		Idempotency: &memoryIdempotency{keys: map[string]string{}},
		Metrics:     metrics,
		Logger:      logger,
		BankID:      "BANK1",
	})
	return &fixture{
		svc:     svc,
		gate:    gate,
		ledger:  ledgerSvc,
		serials: serials,
		custody: custodySvc,
		teller:  teller,
		metrics: metrics,
		actor:   shared.Actor{ID: 7, BranchCode: "B01", Permissions: []string{shared.PermOperations}},
	}
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.GetAccountBalance(context.Background(), account)
	require.NoError(t, err)
	return bal.Balance
}

func (f *fixture) tillFloat(t *testing.T) custody.TellerDay {
	t.Helper()
	day, err := f.custody.TellerDay(context.Background(), f.teller.ID, june1)
	require.NoError(t, err)
	return day
}

func (f *fixture) deposit(account string, amount int64) (Result, error) {
	return f.svc.Deposit(context.Background(), CashInput{
		BranchCode: "B01", Date: june1, TellerID: f.teller.ID, AccountNumber: account, Amount: xaf(amount),
	}, f.actor)
}

func TestDepositScenario(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.deposit("2010", 10000)
	require.NoError(t, err)
	assert.Equal(t, "DEP-B01-20240601001", res.Code)
	assert.Equal(t, ledger.EntryStatusPosted, res.EntrySet.Status)
	assert.Equal(t, "BANK1", res.EntrySet.BankID)
	assert.True(t, f.balance(t, "1020").Equal(xaf(60000)), "till +10,000 on top of the float")
	assert.True(t, f.balance(t, "2010").Equal(xaf(10000)), "member +10,000")

	day := f.tillFloat(t)
	assert.Equal(t, custody.StateOperating, day.State)
	assert.True(t, day.CashIn.Equal(xaf(10000)))
	assert.True(t, day.Balance.Equal(xaf(60000)))

	res, err = f.deposit("2010", 500)
	require.NoError(t, err)
	assert.Equal(t, "DEP-B01-20240601002", res.Code)

	_, err = f.deposit("9999", 500)
	require.ErrorIs(t, err, shared.ErrUnknownAccount)
	failed, err := f.serials.Get(context.Background(), "DEP-B01-20240601003")
	require.NoError(t, err)
	assert.Equal(t, serial.StatusReverted, failed.Status)

	res, err = f.deposit("2010", 500)
	require.NoError(t, err)
	assert.Equal(t, "DEP-B01-20240601004", res.Code, "reverted serials are never reissued")

	assert.Equal(t, 3, f.metrics.counts["deposit/booked"])
	assert.Equal(t, 1, f.metrics.counts["deposit/rejected"])
}

func TestConcurrentDepositsGetDistinctCodes(t *testing.T) {
	f := newFixture(t, nil)
	const n = 8
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.deposit("2010", 100)
			if assert.NoError(t, err) {
				codes <- res.Code
			}
		}()
	}
	wg.Wait()
	close(codes)
	seen := map[string]bool{}
	for code := range codes {
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
	assert.Len(t, seen, n)
	assert.True(t, f.balance(t, "2010").Equal(xaf(100*n)))
	assert.True(t, f.tillFloat(t).Balance.Equal(xaf(50000+100*n)))
}

func TestClosedDayReservesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.gate.set("B01", true)

	_, err := f.deposit("2010", 1000)
	require.ErrorIs(t, err, shared.ErrDayClosed)
	pending, err := f.serials.PendingCount(context.Background(), "B01", june1)
	require.NoError(t, err)
	assert.Zero(t, pending)

	f.gate.set("B01", false)
	res, err := f.deposit("2010", 1000)
	require.NoError(t, err)
	assert.Equal(t, "DEP-B01-20240601001", res.Code)
}

func TestWithdrawal(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.deposit("2010", 10000)
	require.NoError(t, err)

	res, err := f.svc.Withdrawal(context.Background(), CashInput{BranchCode: "B01", Date: june1, TellerID: f.teller.ID, AccountNumber: "2010", Amount: xaf(4000)}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "WDR-B01-20240601001", res.Code)
	assert.True(t, f.balance(t, "2010").Equal(xaf(6000)))
	assert.True(t, f.tillFloat(t).CashOut.Equal(xaf(4000)))

	_, err = f.svc.Withdrawal(context.Background(), CashInput{BranchCode: "B01", Date: june1, TellerID: f.teller.ID, AccountNumber: "2010", Amount: xaf(20000)}, f.actor)
	require.ErrorIs(t, err, shared.ErrNegativeBalanceNotAllowed)
	assert.True(t, f.balance(t, "2010").Equal(xaf(6000)), "no partial commit")
	assert.True(t, f.balance(t, "1020").Equal(xaf(56000)))
	assert.True(t, f.tillFloat(t).Balance.Equal(xaf(56000)))
	rejected, err := f.serials.Get(context.Background(), "WDR-B01-20240601002")
	require.NoError(t, err)
	assert.Equal(t, serial.StatusReverted, rejected.Status)

	_, err = f.svc.Withdrawal(context.Background(), CashInput{BranchCode: "B01", Date: june1, TellerID: f.teller.ID, AccountNumber: "2010", Amount: xaf(0)}, f.actor)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Withdrawal(context.Background(), CashInput{BranchCode: "B01", Date: june1, TellerID: f.teller.ID, AccountNumber: "2010", Amount: xaf(10)}, shared.Actor{ID: 7})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestInterBranchTransfer(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.deposit("2010", 10000)
	require.NoError(t, err)

	res, err := f.svc.Transfer(context.Background(), TransferInput{
		BranchCode: "b01", ToBranchCode: "B02", Date: june1, FromAccount: "2010", ToAccount: "2011", Amount: xaf(3000),
	}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "IBTRF-B01-20240601001", res.Code)
	assert.Len(t, res.EntrySet.Legs, 4)
	assert.True(t, f.balance(t, "2010").Equal(xaf(7000)))
	assert.True(t, f.balance(t, "2011").Equal(xaf(3000)))
	assert.True(t, f.balance(t, "1910").Equal(xaf(3000)))
	assert.True(t, f.balance(t, "1920").Equal(xaf(-3000)))

	res, err = f.svc.Transfer(context.Background(), TransferInput{
		BranchCode: "B01", Date: june1, FromAccount: "2010", ToAccount: "2011", Amount: xaf(1000),
	}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "TRF-B01-20240601001", res.Code)

	_, err = f.svc.Transfer(context.Background(), TransferInput{
		BranchCode: "B01", Date: june1, FromAccount: "2010", ToAccount: "2010", Amount: xaf(1),
	}, f.actor)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRemittance(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Remittance(context.Background(), RemittanceInput{
		BranchCode: "B01", Date: june1, TellerID: f.teller.ID, Amount: xaf(5000), Beneficiary: "A. Mbarga",
	}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "RMT-B01-20240601001", res.Code)
	assert.Equal(t, "Remittance to A. Mbarga", res.EntrySet.Memo)
	assert.True(t, f.balance(t, "2400").Equal(xaf(5000)))
	assert.True(t, f.tillFloat(t).CashIn.Equal(xaf(5000)))
}

func TestLoanRepayment(t *testing.T) {
	loanSvc := stubLoans{loans: map[string]loans.Loan{
		"L-1": {ID: "L-1", Number: "LN001", Status: loans.StatusActive, Currency: "XAF", Outstanding: xaf(150000), ReceivableAccount: "1310"},
		"L-2": {ID: "L-2", Number: "LN002", Status: loans.StatusClosed, Currency: "XAF"},
	}}
	f := newFixture(t, loanSvc)
	ctx := context.Background()

	res, err := f.svc.LoanRepayment(ctx, LoanRepaymentInput{BranchCode: "B01", Date: june1, LoanID: "L-1", TellerID: f.teller.ID, Amount: xaf(20000)}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "LNR-B01-20240601001", res.Code)
	assert.Equal(t, "loan:L-1", res.EntrySet.ReferenceID)
	assert.True(t, f.balance(t, "1310").Equal(xaf(130000)))
	assert.True(t, f.tillFloat(t).Balance.Equal(xaf(70000)))

	_, err = f.svc.LoanRepayment(ctx, LoanRepaymentInput{BranchCode: "B01", Date: june1, LoanID: "L-1", TellerID: f.teller.ID, Amount: xaf(200000)}, f.actor)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.LoanRepayment(ctx, LoanRepaymentInput{BranchCode: "B01", Date: june1, LoanID: "L-2", TellerID: f.teller.ID, Amount: xaf(10)}, f.actor)
	require.ErrorIs(t, err, ErrLoanNotRepayable)
	_, err = f.svc.LoanRepayment(ctx, LoanRepaymentInput{BranchCode: "B01", Date: june1, LoanID: "L-9", TellerID: f.teller.ID, Amount: xaf(10)}, f.actor)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.svc.LoanRepayment(ctx, LoanRepaymentInput{BranchCode: "B01", Date: june1, LoanID: "L-1", TellerID: f.teller.ID, AccountNumber: "2010", Amount: xaf(10)}, f.actor)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestLoanServiceTimeoutReservesNothing(t *testing.T) {
	f := newFixture(t, stubLoans{err: loans.ErrUnavailable})
	_, err := f.svc.LoanRepayment(context.Background(), LoanRepaymentInput{BranchCode: "B01", Date: june1, LoanID: "L-1", TellerID: f.teller.ID, Amount: xaf(100)}, f.actor)
	require.ErrorIs(t, err, shared.ErrUnavailable)

	pending, err := f.serials.PendingCount(context.Background(), "B01", june1)
	require.NoError(t, err)
	assert.Zero(t, pending)
	_, err = f.serials.Get(context.Background(), "LNR-B01-20240601001")
	require.ErrorIs(t, err, shared.ErrNotFound, "no code was reserved")
	assert.True(t, f.balance(t, "1310").Equal(xaf(150000)))
}

func TestReverseDeposit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dep, err := f.deposit("2010", 10000)
	require.NoError(t, err)

	rev, err := f.svc.Reverse(ctx, ReverseInput{EntrySetID: dep.EntrySet.ID, TellerID: f.teller.ID}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "REV-B01-20240601001", rev.Code)
	require.NotNil(t, rev.EntrySet.ReversalOf)
	assert.Equal(t, dep.EntrySet.ID, *rev.EntrySet.ReversalOf)
	assert.True(t, f.balance(t, "2010").IsZero())
	assert.True(t, f.balance(t, "1020").Equal(xaf(50000)))
	day := f.tillFloat(t)
	assert.True(t, day.Balance.Equal(xaf(50000)))
	assert.True(t, day.CashOut.Equal(xaf(10000)))

	_, err = f.svc.Reverse(ctx, ReverseInput{EntrySetID: dep.EntrySet.ID, TellerID: f.teller.ID}, f.actor)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestReverseCashOperationFollowsItsTeller(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dep, err := f.deposit("2010", 10000)
	require.NoError(t, err)

	_, err = f.ledger.Reverse(ctx, ledger.ReverseInput{EntrySetID: dep.EntrySet.ID, ActorID: 7, Code: "REV-B01-20240601009"})
	require.ErrorIs(t, err, custody.ErrCustodyReversal)

	rev, err := f.svc.Reverse(ctx, ReverseInput{EntrySetID: dep.EntrySet.ID}, f.actor)
	require.NoError(t, err)
	assert.Equal(t, "REV-B01-20240601001", rev.Code)
	assert.True(t, f.balance(t, "1020").Equal(xaf(50000)))
	assert.True(t, f.tillFloat(t).Balance.Equal(xaf(50000)), "custody follows the till without an explicit teller")

	found, err := f.custody.Reconcile(ctx, "B01", june1)
	require.NoError(t, err)
	assert.Empty(t, found)

	provisions, err := f.ledger.ListByReference(ctx, fmt.Sprintf("teller:%d:20240601", f.teller.ID))
	require.NoError(t, err)
	require.Len(t, provisions, 1)
	_, err = f.svc.Reverse(ctx, ReverseInput{EntrySetID: provisions[0].ID, TellerID: f.teller.ID}, f.actor)
	require.ErrorIs(t, err, custody.ErrCustodyReversal, "vault movements are not reversed as operations")
}

func TestIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := CashInput{IdempotencyKey: "req-1", BranchCode: "B01", Date: june1, TellerID: f.teller.ID, AccountNumber: "2010", Amount: xaf(1000)}

	_, err := f.svc.Deposit(ctx, in, f.actor)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, in, f.actor)
	require.ErrorIs(t, err, shared.ErrConflict)
	assert.True(t, f.balance(t, "2010").Equal(xaf(1000)))

	bad := in
	bad.IdempotencyKey = "req-2"
	bad.AccountNumber = "9999"
	_, err = f.svc.Deposit(ctx, bad, f.actor)
	require.ErrorIs(t, err, shared.ErrUnknownAccount)

	bad.AccountNumber = "2010"
	_, err = f.svc.Deposit(ctx, bad, f.actor)
	require.NoError(t, err, "a failed request frees its key")
}

func TestClientReservedCode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.serials.ReserveCode(ctx, serial.ReserveInput{BranchCode: "B01", OperationType: serial.OpDeposit, Date: june1})
	require.NoError(t, err)

	in := CashInput{Code: res.Code, BranchCode: "B01", Date: june1, TellerID: f.teller.ID, AccountNumber: "2010", Amount: xaf(700)}
	booked, err := f.svc.Deposit(ctx, in, f.actor)
	require.NoError(t, err)
	assert.Equal(t, res.Code, booked.Code)

	_, err = f.svc.Deposit(ctx, in, f.actor)
	require.ErrorIs(t, err, shared.ErrDuplicateCode)
	assert.True(t, f.balance(t, "2010").Equal(xaf(700)))
}
