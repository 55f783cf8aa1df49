package dayhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/corebank/internal/accountingday"
	"github.com/odyssey-erp/corebank/internal/platform/httpx"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/shared"
)

const dateLayout = "2006-01-02"

type dayService interface {
	Open(ctx context.Context, branch string, date time.Time, actor shared.Actor) (accountingday.Day, error)
	Close(ctx context.Context, branch string, date time.Time, actor shared.Actor) (accountingday.Day, error)
	Reopen(ctx context.Context, branch string, date time.Time, actor shared.Actor, reason string) (accountingday.Day, error)
	Delete(ctx context.Context, branch string, date time.Time, actor shared.Actor) error
	IsDayOpen(ctx context.Context, branch string, date time.Time) (bool, error)
	Get(ctx context.Context, branch string, date time.Time) (accountingday.Day, error)
	List(ctx context.Context, branch string, from, to time.Time) ([]accountingday.Day, error)
}

// Handler wires HTTP endpoints for the accounting day gate.
type Handler struct {
	logger   *slog.Logger
	service  dayService
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service dayService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers day routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/days/{branch}", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermDayView)).Get("/", h.list)
		r.With(h.rbac.RequireAny(shared.PermDayView)).Get("/{date}", h.status)
		r.With(h.rbac.RequireAll(shared.PermDayOpen)).Post("/{date}/open", h.open)
		r.With(h.rbac.RequireAll(shared.PermDayClose)).Post("/{date}/close", h.close)
		r.With(h.rbac.RequireAll(shared.PermDayReopen)).Post("/{date}/reopen", h.reopen)
		r.With(h.rbac.RequireAll(shared.PermDayDelete)).Delete("/{date}", h.delete)
	})
}

type reopenRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type statusResponse struct {
	BranchCode string             `json:"branch_code"`
	Date       string             `json:"date"`
	Open       bool               `json:"open"`
	Day        *accountingday.Day `json:"day,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	branch, date, err := pathKey(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	open, err := h.service.IsDayOpen(r.Context(), branch, date)
	if err != nil {
		h.fail(w, "day status", err)
		return
	}
	resp := statusResponse{BranchCode: branch, Date: date.Format(dateLayout), Open: open}
	if day, err := h.service.Get(r.Context(), branch, date); err == nil {
		resp.Day = &day
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "branch")
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(dateLayout, raw); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: from: %v", shared.ErrValidation, err))
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(dateLayout, raw); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: to: %v", shared.ErrValidation, err))
			return
		}
	}
	days, err := h.service.List(r.Context(), branch, from, to)
	if err != nil {
		h.fail(w, "list days", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"days": days})
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "open day", h.service.Open)
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "close day", h.service.Close)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string, time.Time, shared.Actor) (accountingday.Day, error)) {
	branch, date, err := pathKey(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	day, err := fn(r.Context(), branch, date, actor)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, day)
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	branch, date, err := pathKey(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reopenRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	day, err := h.service.Reopen(r.Context(), branch, date, actor, req.Reason)
	if err != nil {
		h.fail(w, "reopen day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, day)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	branch, date, err := pathKey(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	if err := h.service.Delete(r.Context(), branch, date, actor); err != nil {
		h.fail(w, "delete day", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathKey(r *http.Request) (string, time.Time, error) {
	branch := chi.URLParam(r, "branch")
	date, err := time.Parse(dateLayout, chi.URLParam(r, "date"))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", shared.ErrValidation)
	}
	return branch, date, nil
}
