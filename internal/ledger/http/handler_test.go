package ledgerhttp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/shared"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	repo := ledger.NewMemoryRepository(
		ledger.Account{Number: "1000", Name: "Assets", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true},
		ledger.Account{Number: "1020", ParentNumber: "1000", Name: "Till", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true},
		ledger.Account{Number: "2010", Name: "Customer", Currency: "XAF", IsBalanceAccount: true, IsPostable: true},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(ledger.Deps{Repo: repo, Logger: logger})
	m := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(m.Identify)
	NewHandler(logger, svc, m).MountRoutes(r)
	return r
}

func do(router http.Handler, method, target, body string, perms ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(rbac.HeaderActorID, "4")
	req.Header.Set(rbac.HeaderPermissions, strings.Join(perms, ","))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func entryBody(debit, credit, debitAmt, creditAmt string) string {
	return fmt.Sprintf(`{
	"code":"DEP-B01-20240601001","reference_id":"R1","branch_code":"B01",
	"entry_date":"2024-06-01","currency":"XAF",
	"legs":[
		{"account_number":%q,"side":"DEBIT","amount":%q},
		{"account_number":%q,"side":"CREDIT","amount":%q}
	]}`, debit, debitAmt, credit, creditAmt)
}

var depositBody = entryBody("1020", "2010", "50000", "50000")

func TestPostReverseAndBalance(t *testing.T) {
	router := newRouter(t)
	all := []string{shared.PermLedgerView, shared.PermLedgerPost, shared.PermLedgerReverse}

	rr := do(router, http.MethodPost, "/ledger/entries", depositBody, all...)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var set ledger.EntrySet
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &set))
	require.Len(t, set.Legs, 2)

	rr = do(router, http.MethodGet, "/ledger/accounts/1000/balance", "", all...)
	require.Equal(t, http.StatusOK, rr.Code)
	var bal ledger.Balance
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bal))
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(50000)))

	rr = do(router, http.MethodGet, "/ledger/entries/"+set.ID.String(), "", all...)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(router, http.MethodPost, "/ledger/entries/"+set.ID.String()+"/reverse", `{"code":"REV-B01-20240601001","entry_date":"2024-06-01"}`, all...)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(router, http.MethodPost, "/ledger/entries/"+set.ID.String()+"/reverse", `{"code":"REV-B01-20240601002","entry_date":"2024-06-01"}`, all...)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(router, http.MethodGet, "/ledger/entries?reference=R1", "", all...)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		EntrySets []ledger.EntrySet `json:"entry_sets"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list.EntrySets, 2)

	rr = do(router, http.MethodGet, "/ledger/trial-balance?currency=XAF", "", all...)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPostErrorsMapToStatus(t *testing.T) {
	router := newRouter(t)

	rr := do(router, http.MethodPost, "/ledger/entries", depositBody, shared.PermLedgerView)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(router, http.MethodPost, "/ledger/entries", entryBody("1020", "2010", "50000", "40000"), shared.PermLedgerPost)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "UnbalancedEntry")

	rr = do(router, http.MethodPost, "/ledger/entries", entryBody("1020", "9999", "50000", "50000"), shared.PermLedgerPost)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(router, http.MethodPost, "/ledger/entries", entryBody("2010", "1020", "50000", "50000"), shared.PermLedgerPost)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(router, http.MethodPost, "/ledger/entries", `{"code":"X"}`, shared.PermLedgerPost)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(router, http.MethodGet, "/ledger/entries/not-a-uuid", "", shared.PermLedgerView)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
