package serialhttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	svc := serial.NewService(serial.NewMemoryRepository(), serial.Config{Width: 3}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.WithNow(func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) })
	m := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(m.Identify)
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, m).MountRoutes(r)
	return r
}

func do(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(rbac.HeaderActorID, "9")
	req.Header.Set(rbac.HeaderPermissions, shared.PermSerialReserve)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestReserveUseAndDuplicate(t *testing.T) {
	router := newRouter(t)
	rr := do(router, http.MethodPost, "/serials", `{"branch_code":"B01","operation_type":"deposit","date":"2024-06-01"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var res serial.Reservation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "DEP-B01-20240601001", res.Code)

	rr = do(router, http.MethodPost, "/serials/"+res.Code+"/used", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(router, http.MethodPost, "/serials/"+res.Code+"/used", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "DuplicateCode")

	rr = do(router, http.MethodPost, "/serials/"+res.Code+"/revert", `{"reason":"oops"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestReserveValidation(t *testing.T) {
	router := newRouter(t)
	rr := do(router, http.MethodPost, "/serials", `{"branch_code":"B01","operation_type":"DEPOSIT","date":"06/01/2024"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(router, http.MethodPost, "/serials", `{"branch_code":"B01","operation_type":"UNKNOWN","date":"2024-06-01"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(router, http.MethodGet, "/serials/DEP-B01-20240601999", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
