package custodyhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/custody"
	"github.com/odyssey-erp/corebank/internal/platform/httpx"
	"github.com/odyssey-erp/corebank/internal/rbac"
	"github.com/odyssey-erp/corebank/internal/shared"
)

const dateLayout = "2006-01-02"

type custodyService interface {
	RegisterTeller(ctx context.Context, teller custody.Teller, actor shared.Actor) (custody.Teller, error)
	RegisterVault(ctx context.Context, vault custody.Vault, actor shared.Actor) (custody.Vault, error)
	Teller(ctx context.Context, id int64) (custody.Teller, error)
	Tellers(ctx context.Context, branch string) ([]custody.Teller, error)
	Vault(ctx context.Context, id int64) (custody.Vault, error)
	Vaults(ctx context.Context, branch string) ([]custody.Vault, error)
	TellerDay(ctx context.Context, tellerID int64, date time.Time) (custody.TellerDay, error)
	Variances(ctx context.Context, tellerID int64, date time.Time) ([]custody.Variance, error)
	History(ctx context.Context, tellerID int64, date time.Time) ([]custody.Provisioning, error)
	VarianceApprovals(ctx context.Context, id uuid.UUID) ([]shared.ApprovalLog, error)

	Provision(ctx context.Context, in custody.ProvisionInput, actor shared.Actor) (custody.TellerDay, error)
	SubmitEndOfDay(ctx context.Context, in custody.EndOfDayInput, actor shared.Actor) (custody.TellerDay, error)
	ConfirmBySubTeller(ctx context.Context, in custody.ConfirmInput, actor shared.Actor) (custody.SubTellerResult, error)
	ConfirmByPrimaryTeller(ctx context.Context, in custody.ReturnInput, actor shared.Actor) (custody.TellerDay, error)
	ConfirmByAccountant(ctx context.Context, in custody.ConfirmInput, actor shared.Actor) (custody.TellerDay, error)
	CloseTellerDay(ctx context.Context, in custody.ConfirmInput, actor shared.Actor) (custody.TellerDay, error)
	Transfer(ctx context.Context, in custody.TransferInput, actor shared.Actor) (custody.Transition, error)
	Reconcile(ctx context.Context, branch string, date time.Time) ([]custody.Discrepancy, error)
}

// Handler exposes tellers, vaults and the reconciliation chain.
type Handler struct {
	logger   *slog.Logger
	service  custodyService
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service custodyService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers custody routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/custody", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermCustodyView))
			r.Get("/tellers", h.listTellers)
			r.Get("/tellers/{id}", h.getTeller)
			r.Get("/tellers/{id}/days/{date}", h.getTellerDay)
			r.Get("/vaults", h.listVaults)
			r.Get("/vaults/{id}", h.getVault)
			r.Get("/reconciliation/{branch}/{date}", h.reconcile)
			r.Get("/variances/{id}/approvals", h.varianceApprovals)
		})
		r.With(h.rbac.RequireAll(shared.PermCustodyManage)).Post("/tellers", h.registerTeller)
		r.With(h.rbac.RequireAll(shared.PermCustodyManage)).Post("/vaults", h.registerVault)

		r.With(h.rbac.RequireAll(shared.PermCustodyProvision)).Post("/tellers/{id}/provision", h.provision)
		r.With(h.rbac.RequireAll(shared.PermCustodyOperate)).Post("/tellers/{id}/end-of-day", h.endOfDay)
		r.With(h.rbac.RequireAll(shared.PermCustodyConfirmSubTeller)).Post("/tellers/{id}/confirm-sub-teller", h.confirmSub)
		r.With(h.rbac.RequireAll(shared.PermCustodyConfirmPrimary)).Post("/tellers/{id}/confirm-primary-teller", h.confirmPrimary)
		r.With(h.rbac.RequireAll(shared.PermCustodyConfirmAccountant)).Post("/tellers/{id}/confirm-accountant", h.confirmAccountant)
		r.With(h.rbac.RequireAll(shared.PermCustodyConfirmAccountant)).Post("/tellers/{id}/close", h.closeDay)
		r.With(h.rbac.RequireAll(shared.PermCustodyTransfer)).Post("/transfers", h.transfer)
	})
}

type tellerRequest struct {
	Code            string `json:"code" validate:"required,max=32"`
	Name            string `json:"name" validate:"required,max=128"`
	BranchCode      string `json:"branch_code" validate:"required,max=16"`
	Type            string `json:"type" validate:"required,oneof=PRIMARY SUB DAILY_COLLECTOR NONE_CASH"`
	TillAccount     string `json:"till_account" validate:"omitempty,max=32"`
	PrimaryTellerID *int64 `json:"primary_teller_id"`
	UserID          int64  `json:"user_id" validate:"gte=0"`
}

type vaultRequest struct {
	Code         string `json:"code" validate:"required,max=32"`
	Name         string `json:"name" validate:"required,max=128"`
	BranchCode   string `json:"branch_code" validate:"required,max=16"`
	VaultAccount string `json:"vault_account" validate:"required,max=32"`
}

type provisionRequest struct {
	Code          string          `json:"code" validate:"omitempty,max=64"`
	VaultID       int64           `json:"vault_id" validate:"required,gt=0"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	Amount        decimal.Decimal `json:"amount"`
	Denominations json.RawMessage `json:"denominations"`
}

type endOfDayRequest struct {
	Code          string          `json:"code" validate:"omitempty,max=64"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	Declared      decimal.Decimal `json:"declared_amount"`
	Counted       decimal.Decimal `json:"counted_amount"`
	Denominations json.RawMessage `json:"denominations"`
}

type confirmRequest struct {
	Code    string `json:"code" validate:"omitempty,max=64"`
	Date    string `json:"date" validate:"required,datetime=2006-01-02"`
	VaultID int64  `json:"vault_id" validate:"gte=0"`
	Note    string `json:"note" validate:"max=255"`
}

type partyRequest struct {
	Kind string `json:"kind" validate:"required,oneof=TELLER VAULT"`
	ID   int64  `json:"id" validate:"required,gt=0"`
}

type transferRequest struct {
	Code          string          `json:"code" validate:"omitempty,max=64"`
	From          partyRequest    `json:"from" validate:"required"`
	To            partyRequest    `json:"to" validate:"required"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	Amount        decimal.Decimal `json:"amount"`
	Denominations json.RawMessage `json:"denominations"`
	Memo          string          `json:"memo" validate:"max=255"`
}

func (h *Handler) registerTeller(w http.ResponseWriter, r *http.Request) {
	var req tellerRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	teller, err := h.service.RegisterTeller(r.Context(), custody.Teller{
		Code:            req.Code,
		Name:            req.Name,
		BranchCode:      req.BranchCode,
		Type:            custody.TellerType(req.Type),
		TillAccount:     req.TillAccount,
		PrimaryTellerID: req.PrimaryTellerID,
		UserID:          req.UserID,
		Active:          true,
	}, actor)
	if err != nil {
		h.fail(w, "register teller", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, teller)
}

func (h *Handler) registerVault(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	vault, err := h.service.RegisterVault(r.Context(), custody.Vault{
		Code:         req.Code,
		Name:         req.Name,
		BranchCode:   req.BranchCode,
		VaultAccount: req.VaultAccount,
	}, actor)
	if err != nil {
		h.fail(w, "register vault", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, vault)
}

func (h *Handler) listTellers(w http.ResponseWriter, r *http.Request) {
	tellers, err := h.service.Tellers(r.Context(), branchParam(r))
	if err != nil {
		h.fail(w, "list tellers", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tellers": tellers})
}

func (h *Handler) getTeller(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	teller, err := h.service.Teller(r.Context(), id)
	if err != nil {
		h.fail(w, "get teller", err)
		return
	}
	httpx.JSON(w, http.StatusOK, teller)
}

func (h *Handler) getTellerDay(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	date, ok := dateParam(w, chi.URLParam(r, "date"))
	if !ok {
		return
	}
	day, err := h.service.TellerDay(r.Context(), id, date)
	if err != nil {
		h.fail(w, "get teller day", err)
		return
	}
	variances, err := h.service.Variances(r.Context(), id, date)
	if err != nil {
		h.fail(w, "list variances", err)
		return
	}
	history, err := h.service.History(r.Context(), id, date)
	if err != nil {
		h.fail(w, "list provisionings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"day": day, "variances": variances, "history": history})
}

func (h *Handler) listVaults(w http.ResponseWriter, r *http.Request) {
	vaults, err := h.service.Vaults(r.Context(), branchParam(r))
	if err != nil {
		h.fail(w, "list vaults", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"vaults": vaults})
}

func (h *Handler) getVault(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	vault, err := h.service.Vault(r.Context(), id)
	if err != nil {
		h.fail(w, "get vault", err)
		return
	}
	httpx.JSON(w, http.StatusOK, vault)
}

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req provisionRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	actor, _ := shared.ActorFromContext(r.Context())
	day, err := h.service.Provision(r.Context(), custody.ProvisionInput{
		Code:          req.Code,
		TellerID:      id,
		VaultID:       req.VaultID,
		Date:          date,
		Amount:        req.Amount,
		Denominations: req.Denominations,
	}, actor)
	if err != nil {
		h.fail(w, "provision teller", err)
		return
	}
	httpx.JSON(w, http.StatusOK, day)
}

func (h *Handler) endOfDay(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req endOfDayRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	actor, _ := shared.ActorFromContext(r.Context())
	day, err := h.service.SubmitEndOfDay(r.Context(), custody.EndOfDayInput{
		Code:          req.Code,
		TellerID:      id,
		Date:          date,
		Declared:      req.Declared,
		Counted:       req.Counted,
		Denominations: req.Denominations,
	}, actor)
	if err != nil {
		h.fail(w, "submit end of day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, day)
}

func (h *Handler) confirmSub(w http.ResponseWriter, r *http.Request) {
	in, ok := h.confirmInput(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.ConfirmBySubTeller(r.Context(), custody.ConfirmInput{Code: in.Code, TellerID: in.TellerID, Date: in.Date, Note: in.Note}, actor)
	if err != nil {
		h.fail(w, "confirm by sub teller", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) confirmPrimary(w http.ResponseWriter, r *http.Request) {
	in, ok := h.confirmInput(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	day, err := h.service.ConfirmByPrimaryTeller(r.Context(), in, actor)
	if err != nil {
		h.fail(w, "confirm by primary teller", err)
		return
	}
	httpx.JSON(w, http.StatusOK, day)
}

func (h *Handler) confirmAccountant(w http.ResponseWriter, r *http.Request) {
	in, ok := h.confirmInput(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	day, err := h.service.ConfirmByAccountant(r.Context(), custody.ConfirmInput{Code: in.Code, TellerID: in.TellerID, Date: in.Date, Note: in.Note}, actor)
	if err != nil {
		h.fail(w, "confirm by accountant", err)
		return
	}
	httpx.JSON(w, http.StatusOK, day)
}

func (h *Handler) closeDay(w http.ResponseWriter, r *http.Request) {
	in, ok := h.confirmInput(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	day, err := h.service.CloseTellerDay(r.Context(), custody.ConfirmInput{Code: in.Code, TellerID: in.TellerID, Date: in.Date, Note: in.Note}, actor)
	if err != nil {
		h.fail(w, "close teller day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, day)
}

// confirmInput decodes the body shared by the confirmation steps.
func (h *Handler) varianceApprovals(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid variance id", shared.ErrValidation))
		return
	}
	logs, err := h.service.VarianceApprovals(r.Context(), id)
	if err != nil {
		h.fail(w, "variance approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variance_id": id, "approvals": logs})
}

func (h *Handler) confirmInput(w http.ResponseWriter, r *http.Request) (custody.ReturnInput, bool) {
	id, ok := idParam(w, r)
	if !ok {
		return custody.ReturnInput{}, false
	}
	var req confirmRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return custody.ReturnInput{}, false
	}
	date, _ := time.Parse(dateLayout, req.Date)
	return custody.ReturnInput{Code: req.Code, TellerID: id, Date: date, VaultID: req.VaultID, Note: req.Note}, true
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	actor, _ := shared.ActorFromContext(r.Context())
	tr, err := h.service.Transfer(r.Context(), custody.TransferInput{
		Code:          req.Code,
		From:          custody.Party{Kind: custody.PartyKind(req.From.Kind), ID: req.From.ID},
		To:            custody.Party{Kind: custody.PartyKind(req.To.Kind), ID: req.To.ID},
		Date:          date,
		Amount:        req.Amount,
		Denominations: req.Denominations,
		Memo:          req.Memo,
	}, actor)
	if err != nil {
		h.fail(w, "custody transfer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tr)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, chi.URLParam(r, "date"))
	if !ok {
		return
	}
	branch := chi.URLParam(r, "branch")
	found, err := h.service.Reconcile(r.Context(), branch, date)
	if err != nil {
		h.fail(w, "reconcile custody", err)
		return
	}
	if found == nil {
		found = []custody.Discrepancy{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"branch_code":   strings.ToUpper(branch),
		"date":          date.Format(dateLayout),
		"balanced":      len(found) == 0,
		"discrepancies": found,
	})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", shared.ErrValidation))
		return 0, false
	}
	return id, true
}

func dateParam(w http.ResponseWriter, raw string) (time.Time, bool) {
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: date must be YYYY-MM-DD", shared.ErrValidation))
		return time.Time{}, false
	}
	return date, true
}

func branchParam(r *http.Request) string {
	if b := r.URL.Query().Get("branch"); b != "" {
		return b
	}
	return "*"
}
