package operationshttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/integration/loans"
	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/operations"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/shared"
)

type stubService struct {
	lastCash  operations.CashInput
	lastActor shared.Actor
	err       error
}

func (s *stubService) book(kind operations.Kind, code string) (operations.Result, error) {
	if s.err != nil {
		return operations.Result{}, s.err
	}
	return operations.Result{Kind: kind, Code: code, EntrySet: ledger.EntrySet{Code: code, Status: ledger.EntryStatusPosted}}, nil
}

func (s *stubService) Deposit(_ context.Context, in operations.CashInput, actor shared.Actor) (operations.Result, error) {
	s.lastCash, s.lastActor = in, actor
	return s.book(operations.KindDeposit, "DEP-B01-20240601001")
}

func (s *stubService) Withdrawal(_ context.Context, in operations.CashInput, actor shared.Actor) (operations.Result, error) {
	s.lastCash, s.lastActor = in, actor
	return s.book(operations.KindWithdrawal, "WDR-B01-20240601001")
}

func (s *stubService) Transfer(context.Context, operations.TransferInput, shared.Actor) (operations.Result, error) {
	return s.book(operations.KindTransfer, "TRF-B01-20240601001")
}

func (s *stubService) Remittance(context.Context, operations.RemittanceInput, shared.Actor) (operations.Result, error) {
	return s.book(operations.KindRemittance, "RMT-B01-20240601001")
}

func (s *stubService) LoanRepayment(context.Context, operations.LoanRepaymentInput, shared.Actor) (operations.Result, error) {
	return s.book(operations.KindLoanRepayment, "LNR-B01-20240601001")
}

func (s *stubService) Reverse(context.Context, operations.ReverseInput, shared.Actor) (operations.Result, error) {
	return s.book(operations.KindReversal, "REV-B01-20240601001")
}

func newRouter(svc *stubService) http.Handler {
	m := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(m.Identify)
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, m).MountRoutes(r)
	return r
}

func do(router http.Handler, perms, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(rbac.HeaderActorID, "7")
	req.Header.Set(rbac.HeaderPermissions, perms)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

const depositBody = `{"branch_code":"B01","date":"2024-06-01","teller_id":1,"account_number":"2010","amount":"10000"}`

func TestDepositCreated(t *testing.T) {
	svc := &stubService{}
	rr := do(newRouter(svc), shared.PermOperations, "/operations/deposits", depositBody, map[string]string{HeaderIdempotencyKey: "req-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var res operations.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "DEP-B01-20240601001", res.Code)
	assert.Equal(t, "req-1", svc.lastCash.IdempotencyKey)
	assert.Equal(t, "10000", svc.lastCash.Amount.String())
	assert.Equal(t, int64(7), svc.lastActor.ID)
}

func TestOperationErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		perms  string
		target string
		body   string
		status int
	}{
		{"forbidden", nil, shared.PermLedgerView, "/operations/deposits", depositBody, http.StatusForbidden},
		{"invalid body", nil, shared.PermOperations, "/operations/withdrawals", `{"branch_code":"B01"}`, http.StatusBadRequest},
		{"day closed", shared.ErrDayClosed, shared.PermOperations, "/operations/deposits", depositBody, http.StatusConflict},
		{"overdraft", shared.ErrNegativeBalanceNotAllowed, shared.PermOperations, "/operations/withdrawals", depositBody, http.StatusUnprocessableEntity},
		{"loan service down", loans.ErrUnavailable, shared.PermOperations, "/operations/loan-repayments",
			`{"branch_code":"B01","date":"2024-06-01","loan_id":"L-1","teller_id":1,"amount":"100"}`, http.StatusServiceUnavailable},
		{"bad reversal id", nil, shared.PermOperations, "/operations/reversals", `{"entry_set_id":"nope"}`, http.StatusBadRequest},
		{"remittance", nil, shared.PermOperations, "/operations/remittances",
			`{"branch_code":"B01","date":"2024-06-01","teller_id":1,"amount":"100","beneficiary":"X"}`, http.StatusCreated},
		{"transfer", nil, shared.PermOperations, "/operations/transfers",
			`{"branch_code":"B01","date":"2024-06-01","from_account":"2010","to_account":"2011","amount":"100"}`, http.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(newRouter(&stubService{err: tc.err}), tc.perms, tc.target, tc.body, nil)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}
}
