package ledgerhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/platform/httpx"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/shared"
)

const dateLayout = "2006-01-02"

type ledgerService interface {
	Post(ctx context.Context, in ledger.PostingInput, opts ...ledger.PostOption) (ledger.EntrySet, error)
	Reverse(ctx context.Context, in ledger.ReverseInput, opts ...ledger.PostOption) (ledger.EntrySet, error)
	GetAccountBalance(ctx context.Context, number string) (ledger.Balance, error)
	GetEntrySet(ctx context.Context, id uuid.UUID) (ledger.EntrySet, error)
	ListByReference(ctx context.Context, referenceID string) ([]ledger.EntrySet, error)
	TrialBalance(ctx context.Context, currency string) (ledger.TrialBalance, error)
	VerifyIntegrity(ctx context.Context, date time.Time) (ledger.IntegrityReport, error)
}

// Handler wires ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  ledgerService
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service ledgerService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermLedgerView))
			r.Get("/entries", h.listByReference)
			r.Get("/entries/{id}", h.getEntrySet)
			r.Get("/accounts/{number}/balance", h.balance)
			r.Get("/trial-balance", h.trialBalance)
			r.Get("/integrity/{date}", h.integrity)
		})
		r.With(h.rbac.RequireAll(shared.PermLedgerPost)).Post("/entries", h.post)
		r.With(h.rbac.RequireAll(shared.PermLedgerReverse)).Post("/entries/{id}/reverse", h.reverse)
	})
}

type legRequest struct {
	AccountNumber string          `json:"account_number" validate:"required"`
	Side          string          `json:"side" validate:"required,oneof=DEBIT CREDIT debit credit"`
	Amount        decimal.Decimal `json:"amount"`
}

type postRequest struct {
	Code        string       `json:"code" validate:"required"`
	ReferenceID string       `json:"reference_id"`
	BankID      string       `json:"bank_id"`
	BranchCode  string       `json:"branch_code" validate:"required"`
	EntryDate   string       `json:"entry_date" validate:"required,datetime=2006-01-02"`
	ValueDate   string       `json:"value_date" validate:"omitempty,datetime=2006-01-02"`
	Currency    string       `json:"currency" validate:"required,len=3"`
	Memo        string       `json:"memo" validate:"max=255"`
	Legs        []legRequest `json:"legs" validate:"required,min=2,dive"`
}

type reverseRequest struct {
	Code      string `json:"code" validate:"required"`
	EntryDate string `json:"entry_date" validate:"omitempty,datetime=2006-01-02"`
	Memo      string `json:"memo" validate:"max=255"`
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entryDate, _ := time.Parse(dateLayout, req.EntryDate)
	var valueDate time.Time
	if req.ValueDate != "" {
		valueDate, _ = time.Parse(dateLayout, req.ValueDate)
	}
	actor, _ := shared.ActorFromContext(r.Context())
	in := ledger.PostingInput{
		Code:        req.Code,
		ReferenceID: req.ReferenceID,
		BankID:      req.BankID,
		BranchCode:  req.BranchCode,
		EntryDate:   entryDate,
		ValueDate:   valueDate,
		Currency:    req.Currency,
		PostedBy:    actor.ID,
		Memo:        req.Memo,
	}
	for _, leg := range req.Legs {
		in.Legs = append(in.Legs, ledger.LegInput{
			AccountNumber: leg.AccountNumber,
			Side:          ledger.Side(strings.ToUpper(leg.Side)),
			Amount:        leg.Amount,
		})
	}
	set, err := h.service.Post(r.Context(), in)
	if err != nil {
		h.fail(w, "post entries", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, set)
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid entry set id", shared.ErrValidation))
		return
	}
	var req reverseRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var entryDate time.Time
	if req.EntryDate != "" {
		entryDate, _ = time.Parse(dateLayout, req.EntryDate)
	}
	actor, _ := shared.ActorFromContext(r.Context())
	set, err := h.service.Reverse(r.Context(), ledger.ReverseInput{
		EntrySetID: id,
		ActorID:    actor.ID,
		Code:       req.Code,
		EntryDate:  entryDate,
		Memo:       req.Memo,
	})
	if err != nil {
		h.fail(w, "reverse entries", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, set)
}

func (h *Handler) getEntrySet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid entry set id", shared.ErrValidation))
		return
	}
	set, err := h.service.GetEntrySet(r.Context(), id)
	if err != nil {
		h.fail(w, "get entry set", err)
		return
	}
	httpx.JSON(w, http.StatusOK, set)
}

func (h *Handler) listByReference(w http.ResponseWriter, r *http.Request) {
	sets, err := h.service.ListByReference(r.Context(), r.URL.Query().Get("reference"))
	if err != nil {
		h.fail(w, "list entry sets", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entry_sets": sets})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.service.GetAccountBalance(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, "account balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	tb, err := h.service.TrialBalance(r.Context(), r.URL.Query().Get("currency"))
	if err != nil {
		h.fail(w, "trial balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tb)
}

func (h *Handler) integrity(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(dateLayout, chi.URLParam(r, "date"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: date must be YYYY-MM-DD", shared.ErrValidation))
		return
	}
	report, err := h.service.VerifyIntegrity(r.Context(), date)
	if err != nil {
		h.fail(w, "verify integrity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
