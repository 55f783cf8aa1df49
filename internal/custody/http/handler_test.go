package custodyhttp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/custody"
	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/ledger/mappings"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }

	serials := serial.NewService(serial.NewMemoryRepository(), serial.Config{Width: 3}, logger)
	serials.WithNow(clock)
	ledgerSvc := ledger.NewService(ledger.Deps{
		Repo: ledger.NewMemoryRepository(
			ledger.Account{Number: "1010", Name: "Vault", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, Balance: decimal.NewFromInt(100000)},
			ledger.Account{Number: "1020", Name: "Till", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true},
			ledger.Account{Number: "1990", Name: "Suspense", Currency: "XAF", IsDebitNormal: true, IsBalanceAccount: true, IsPostable: true, CanBeNegative: true},
			ledger.Account{Number: "3010", Name: "Capital", Currency: "XAF", IsBalanceAccount: true, IsPostable: true, Balance: decimal.NewFromInt(100000)},
			ledger.Account{Number: "5810", Name: "Shortage", Currency: "XAF", IsDebitNormal: true, IsPostable: true},
			ledger.Account{Number: "4810", Name: "Overage", Currency: "XAF", IsPostable: true},
		),
		Codes:  serials,
		Logger: logger,
	})
	ledgerSvc.WithNow(clock)
	svc := custody.NewService(custody.Deps{
		Repo:   custody.NewMemoryRepository(),
		Ledger: ledgerSvc,
		Codes:  serials,
		Accounts: mappings.NewResolver(mappings.Static{
			"CUSTODY/SUSPENSE": "1990",
			"CUSTODY/SHORTAGE": "5810",
			"CUSTODY/OVERAGE":  "4810",
		}),
		Logger: logger,
	})
	svc.WithNow(clock)

	m := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(m.Identify)
	NewHandler(logger, svc, m).MountRoutes(r)
	return r
}

func do(router http.Handler, actorID int64, perms []string, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(rbac.HeaderActorID, fmt.Sprint(actorID))
	req.Header.Set(rbac.HeaderPermissions, strings.Join(perms, ","))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestTellerDayChain(t *testing.T) {
	router := newRouter(t)
	all := shared.CustodyScopes()
	call := func(method, target, body string) *httptest.ResponseRecorder {
		return do(router, 30, all, method, target, body)
	}

	rr := call(http.MethodPost, "/custody/vaults", `{"code":"V1","name":"Main","branch_code":"B01","vault_account":"1010"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var vault custody.Vault
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &vault))
	assert.True(t, vault.Balance.Equal(decimal.NewFromInt(100000)))

	rr = call(http.MethodPost, "/custody/tellers", `{"code":"T1","name":"Primary","branch_code":"B01","type":"PRIMARY","till_account":"1020","user_id":21}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var teller custody.Teller
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &teller))
	base := fmt.Sprintf("/custody/tellers/%d", teller.ID)

	rr = call(http.MethodPost, base+"/provision", fmt.Sprintf(`{"vault_id":%d,"date":"2024-06-01","amount":"50000"}`, vault.ID))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(http.MethodPost, base+"/confirm-accountant", `{"date":"2024-06-01"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = call(http.MethodPost, base+"/end-of-day", `{"date":"2024-06-01","declared_amount":"50000","counted_amount":"49500"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(http.MethodPost, base+"/confirm-sub-teller", `{"date":"2024-06-01"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res custody.SubTellerResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, custody.StateConfirmedBySubTeller, res.Day.State)
	require.NotNil(t, res.Variance)
	assert.True(t, res.Variance.Amount.Equal(decimal.NewFromInt(500)))

	rr = call(http.MethodPost, base+"/confirm-primary-teller", fmt.Sprintf(`{"date":"2024-06-01","vault_id":%d}`, vault.ID))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(router, 21, all, http.MethodPost, base+"/confirm-accountant", `{"date":"2024-06-01"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = call(http.MethodPost, base+"/confirm-accountant", `{"date":"2024-06-01"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(http.MethodPost, base+"/close", `{"date":"2024-06-01"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(http.MethodGet, base+"/days/2024-06-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Day       custody.TellerDay      `json:"day"`
		Variances []custody.Variance     `json:"variances"`
		History   []custody.Provisioning `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, custody.StateClosed, payload.Day.State)
	require.Len(t, payload.Variances, 1)
	assert.Equal(t, custody.VarianceSignedOff, payload.Variances[0].Status)
	assert.Len(t, payload.History, 2)

	rr = call(http.MethodGet, "/custody/reconciliation/B01/2024-06-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"balanced":true`)
}

func TestCustodyRequestErrors(t *testing.T) {
	router := newRouter(t)
	viewer := []string{shared.PermCustodyView}

	rr := do(router, 30, viewer, http.MethodPost, "/custody/vaults", `{"code":"V1","name":"Main","branch_code":"B01","vault_account":"1010"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(router, 30, viewer, http.MethodGet, "/custody/tellers/abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(router, 30, viewer, http.MethodGet, "/custody/tellers/7", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(router, 30, viewer, http.MethodGet, "/custody/reconciliation/B01/01-06-2024", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	all := shared.CustodyScopes()
	rr = do(router, 30, all, http.MethodPost, "/custody/transfers", `{"from":{"kind":"VAULT","id":1},"to":{"kind":"SAFE","id":2},"date":"2024-06-01","amount":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(router, 30, all, http.MethodPost, "/custody/tellers", `{"code":"T9","name":"Ghost","branch_code":"B01","type":"PRIMARY","till_account":"9999"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
