package operationshttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/operations"
	"github.com/odyssey-erp/corebank/internal/platform/httpx"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/shared"
)

const (
	dateLayout = "2006-01-02"
	// HeaderIdempotencyKey lets clients retry a request safely.
	HeaderIdempotencyKey = "Idempotency-Key"
)

type operationsService interface {
	Deposit(ctx context.Context, in operations.CashInput, actor shared.Actor) (operations.Result, error)
	Withdrawal(ctx context.Context, in operations.CashInput, actor shared.Actor) (operations.Result, error)
	Transfer(ctx context.Context, in operations.TransferInput, actor shared.Actor) (operations.Result, error)
	Remittance(ctx context.Context, in operations.RemittanceInput, actor shared.Actor) (operations.Result, error)
	LoanRepayment(ctx context.Context, in operations.LoanRepaymentInput, actor shared.Actor) (operations.Result, error)
	Reverse(ctx context.Context, in operations.ReverseInput, actor shared.Actor) (operations.Result, error)
}

// Handler exposes money-moving operations.
type Handler struct {
	logger   *slog.Logger
	service  operationsService
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service operationsService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers operation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/operations", func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermOperations))
		r.Post("/deposits", h.deposit)
		r.Post("/withdrawals", h.withdrawal)
		r.Post("/transfers", h.transfer)
		r.Post("/remittances", h.remittance)
		r.Post("/loan-repayments", h.loanRepayment)
		r.Post("/reversals", h.reverse)
	})
}

type cashRequest struct {
	Code          string          `json:"code" validate:"omitempty,max=64"`
	BranchCode    string          `json:"branch_code" validate:"required,max=16"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	TellerID      int64           `json:"teller_id" validate:"required,gt=0"`
	AccountNumber string          `json:"account_number" validate:"required,max=32"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceID   string          `json:"reference_id" validate:"max=128"`
	Memo          string          `json:"memo" validate:"max=255"`
}

type transferRequest struct {
	Code         string          `json:"code" validate:"omitempty,max=64"`
	BranchCode   string          `json:"branch_code" validate:"required,max=16"`
	ToBranchCode string          `json:"to_branch_code" validate:"omitempty,max=16"`
	Date         string          `json:"date" validate:"required,datetime=2006-01-02"`
	FromAccount  string          `json:"from_account" validate:"required,max=32"`
	ToAccount    string          `json:"to_account" validate:"required,max=32"`
	Amount       decimal.Decimal `json:"amount"`
	ReferenceID  string          `json:"reference_id" validate:"max=128"`
	Memo         string          `json:"memo" validate:"max=255"`
}

type remittanceRequest struct {
	Code        string          `json:"code" validate:"omitempty,max=64"`
	BranchCode  string          `json:"branch_code" validate:"required,max=16"`
	Date        string          `json:"date" validate:"required,datetime=2006-01-02"`
	TellerID    int64           `json:"teller_id" validate:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	Beneficiary string          `json:"beneficiary" validate:"required,max=128"`
	ReferenceID string          `json:"reference_id" validate:"max=128"`
	Memo        string          `json:"memo" validate:"max=255"`
}

type loanRepaymentRequest struct {
	Code          string          `json:"code" validate:"omitempty,max=64"`
	BranchCode    string          `json:"branch_code" validate:"required,max=16"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	LoanID        string          `json:"loan_id" validate:"required,max=64"`
	TellerID      int64           `json:"teller_id" validate:"gte=0"`
	AccountNumber string          `json:"account_number" validate:"omitempty,max=32"`
	Amount        decimal.Decimal `json:"amount"`
	Memo          string          `json:"memo" validate:"max=255"`
}

type reverseRequest struct {
	Code       string `json:"code" validate:"omitempty,max=64"`
	EntrySetID string `json:"entry_set_id" validate:"required,uuid"`
	Date       string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	TellerID   int64  `json:"teller_id" validate:"gte=0"`
	Memo       string `json:"memo" validate:"max=255"`
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	h.cash(w, r, "deposit", h.service.Deposit)
}

func (h *Handler) withdrawal(w http.ResponseWriter, r *http.Request) {
	h.cash(w, r, "withdrawal", h.service.Withdrawal)
}

func (h *Handler) cash(w http.ResponseWriter, r *http.Request, op string, book func(context.Context, operations.CashInput, shared.Actor) (operations.Result, error)) {
	var req cashRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := book(r.Context(), operations.CashInput{
		Code:           req.Code,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		BranchCode:     req.BranchCode,
		Date:           date,
		TellerID:       req.TellerID,
		AccountNumber:  req.AccountNumber,
		Amount:         req.Amount,
		ReferenceID:    req.ReferenceID,
		Memo:           req.Memo,
	}, actor)
	h.respond(w, op, res, err)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.Transfer(r.Context(), operations.TransferInput{
		Code:           req.Code,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		BranchCode:     req.BranchCode,
		ToBranchCode:   req.ToBranchCode,
		Date:           date,
		FromAccount:    req.FromAccount,
		ToAccount:      req.ToAccount,
		Amount:         req.Amount,
		ReferenceID:    req.ReferenceID,
		Memo:           req.Memo,
	}, actor)
	h.respond(w, "transfer", res, err)
}

func (h *Handler) remittance(w http.ResponseWriter, r *http.Request) {
	var req remittanceRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.Remittance(r.Context(), operations.RemittanceInput{
		Code:           req.Code,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		BranchCode:     req.BranchCode,
		Date:           date,
		TellerID:       req.TellerID,
		Amount:         req.Amount,
		Beneficiary:    req.Beneficiary,
		ReferenceID:    req.ReferenceID,
		Memo:           req.Memo,
	}, actor)
	h.respond(w, "remittance", res, err)
}

func (h *Handler) loanRepayment(w http.ResponseWriter, r *http.Request) {
	var req loanRepaymentRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.LoanRepayment(r.Context(), operations.LoanRepaymentInput{
		Code:           req.Code,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		BranchCode:     req.BranchCode,
		Date:           date,
		LoanID:         req.LoanID,
		TellerID:       req.TellerID,
		AccountNumber:  req.AccountNumber,
		Amount:         req.Amount,
		Memo:           req.Memo,
	}, actor)
	h.respond(w, "loan repayment", res, err)
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(req.EntrySetID)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid entry set id", shared.ErrValidation))
		return
	}
	var date time.Time
	if req.Date != "" {
		date, _ = time.Parse(dateLayout, req.Date)
	}
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.Reverse(r.Context(), operations.ReverseInput{
		Code:           req.Code,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		EntrySetID:     id,
		Date:           date,
		TellerID:       req.TellerID,
		Memo:           req.Memo,
	}, actor)
	h.respond(w, "reversal", res, err)
}

func (h *Handler) respond(w http.ResponseWriter, op string, res operations.Result, err error) {
	if err != nil {
		if httpx.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error(op, slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}
