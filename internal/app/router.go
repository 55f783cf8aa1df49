package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	dayhttp "github.com/odyssey-erp/corebank/internal/accountingday/http"
	custodyhttp "github.com/odyssey-erp/corebank/internal/custody/http"
	ledgerhttp "github.com/odyssey-erp/corebank/internal/ledger/http"
	"github.com/odyssey-erp/corebank/internal/observability"
	operationshttp "github.com/odyssey-erp/corebank/internal/operations/http"
	"github.com/odyssey-erp/corebank/internal/platform/httpx"
	"github.com/odyssey-erp/corebank/internal/rbac"
	serialhttp "github.com/odyssey-erp/corebank/internal/serial/http"
	"github.com/odyssey-erp/corebank/jobs"
)

// Pinger reports whether a backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	RBACMiddleware     rbac.Middleware
	DayHandler         *dayhttp.Handler
	SerialHandler      *serialhttp.Handler
	LedgerHandler      *ledgerhttp.Handler
	CustodyHandler     *custodyhttp.Handler
	OperationsHandler  *operationshttp.Handler
	JobHandler         *jobs.Handler
	PermissionsHandler *rbac.PermissionsHandler
	Metrics            *observability.Metrics
	// Readiness checks run on /readyz, keyed by dependency name.
	Readiness          map[string]Pinger
}

// NewRouter constructs the chi.Router with the core defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Readiness, params.Logger))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(params.RBACMiddleware.Identify)
		if params.DayHandler != nil {
			params.DayHandler.MountRoutes(r)
		}
		if params.SerialHandler != nil {
			params.SerialHandler.MountRoutes(r)
		}
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(r)
		}
		if params.CustodyHandler != nil {
			params.CustodyHandler.MountRoutes(r)
		}
		if params.OperationsHandler != nil {
			params.OperationsHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/rbac", params.PermissionsHandler.MountRoutes)
		}
	})

	return r
}

func readiness(checks map[string]Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := make(map[string]string, len(checks))
		ready := true
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				if logger != nil {
					logger.Warn("readiness check failed", slog.String("dependency", name), slog.Any("error", err))
				}
				status[name] = "down"
				ready = false
				continue
			}
			status[name] = "up"
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		httpx.JSON(w, code, status)
	}
}
