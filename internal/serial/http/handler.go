package serialhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/corebank/internal/platform/httpx"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

type serialService interface {
	ReserveCode(ctx context.Context, in serial.ReserveInput) (serial.Reservation, error)
	MarkUsed(ctx context.Context, code string) error
	Revert(ctx context.Context, code, reason string) error
	Get(ctx context.Context, code string) (serial.Reservation, error)
}

// Handler exposes the code reservoir.
type Handler struct {
	logger   *slog.Logger
	service  serialService
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service serialService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers serial routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/serials", func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermSerialReserve))
		r.Post("/", h.reserve)
		r.Get("/{code}", h.get)
		r.Post("/{code}/used", h.markUsed)
		r.Post("/{code}/revert", h.revert)
	})
}

type reserveRequest struct {
	BranchCode    string `json:"branch_code" validate:"required,max=16"`
	OperationType string `json:"operation_type" validate:"required"`
	InterBranch   bool   `json:"inter_branch"`
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
}

type revertRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: date", shared.ErrValidation))
		return
	}
	res, err := h.service.ReserveCode(r.Context(), serial.ReserveInput{
		BranchCode:    req.BranchCode,
		OperationType: serial.OperationType(strings.ToUpper(req.OperationType)),
		InterBranch:   req.InterBranch,
		Date:          date,
	})
	if err != nil {
		h.fail(w, "reserve code", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, "get code", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) markUsed(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.service.MarkUsed(r.Context(), code); err != nil {
		h.fail(w, "mark code used", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"code": code, "status": serial.StatusUsed})
}

func (h *Handler) revert(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	code := chi.URLParam(r, "code")
	if err := h.service.Revert(r.Context(), code, req.Reason); err != nil {
		h.fail(w, "revert code", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"code": code, "status": serial.StatusReverted})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
