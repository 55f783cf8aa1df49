package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// Repository abstracts ledger persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, number string) (Account, error)
	GetEntrySet(ctx context.Context, id uuid.UUID) (EntrySet, error)
	ListByReference(ctx context.Context, referenceID string) ([]EntrySet, error)
	ListByDate(ctx context.Context, date time.Time) ([]EntrySet, error)
	SumLegsByAccount(ctx context.Context) (map[string]decimal.Decimal, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockAccounts(ctx context.Context, numbers []string) (map[string]Account, error)
	InsertEntrySet(ctx context.Context, set EntrySet) error
	UpdateBalance(ctx context.Context, number string, balance decimal.Decimal, version int64) error
	GetEntrySetForUpdate(ctx context.Context, id uuid.UUID) (EntrySet, error)
	MarkReversed(ctx context.Context, id, reversedBy uuid.UUID) error
}

// DayGate re-checks the accounting day inside the posting transaction.
type DayGate interface {
	EnsureOpenForPosting(ctx context.Context, branch string, date time.Time) error
}

// CodeConsumer marks the entry code used inside the posting transaction and
// reverts it when a posting the ledger owns is rejected.
type CodeConsumer interface {
	MarkUsed(ctx context.Context, code string) error
	Revert(ctx context.Context, code, reason string) error
}

// ChartSource supplies the chart used for pre-validation.
type ChartSource interface {
	Chart(ctx context.Context) (*Chart, error)
	Invalidate(ctx context.Context) error
}

// AuditPort records ledger events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Metrics receives posting outcomes.
type Metrics interface {
	ObservePosting(outcome string, duration time.Duration)
}

// ReversalPolicy vets a reversal inside its transaction. extended reports whether
// the caller attached posting extensions.
type ReversalPolicy interface {
	CheckReversal(ctx context.Context, original EntrySet, extended bool) error
}

// Extension runs inside the posting transaction after the legs are written.
type Extension interface {
	AfterPost(ctx context.Context, set EntrySet) error
}

// ExtensionFunc adapts a function to Extension.
type ExtensionFunc func(ctx context.Context, set EntrySet) error

// AfterPost implements Extension.
func (f ExtensionFunc) AfterPost(ctx context.Context, set EntrySet) error {
	return f(ctx, set)
}

// PostOption customises a single posting.
type PostOption func(*postOptions)

type postOptions struct {
	extensions []Extension
}

// WithExtension adds an extension to the posting transaction.
func WithExtension(ext Extension) PostOption {
	return func(o *postOptions) {
		if ext != nil {
			o.extensions = append(o.extensions, ext)
		}
	}
}

// Deps groups collaborators of the Service.
type Deps struct {
	Repo    Repository
	Chart   ChartSource
	Gate    DayGate
	Codes   CodeConsumer
	Audit   AuditPort
	Metrics Metrics
	Logger  *slog.Logger
	Retry   db.RetryPolicy
}

// Service posts balanced entry sets.
type Service struct {
	repo    Repository
	chart   ChartSource
	gate    DayGate
	codes   CodeConsumer
	audit   AuditPort
	metrics Metrics
	logger  *slog.Logger
	retry   db.RetryPolicy
	policy  ReversalPolicy
	now     func() time.Time
}

// NewService constructs the ledger service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chart := deps.Chart
	if chart == nil {
		chart = NewDirectChart(deps.Repo)
	}
	return &Service{
		repo:    deps.Repo,
		chart:   chart,
		gate:    deps.Gate,
		codes:   deps.Codes,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  logger,
		retry:   deps.Retry,
		now:     time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithReversalPolicy installs the check run before every reversal.
func (s *Service) WithReversalPolicy(p ReversalPolicy) {
	s.policy = p
}

// Post validates and persists an entry set in a single transaction.
func (s *Service) Post(ctx context.Context, in PostingInput, opts ...PostOption) (EntrySet, error) {
	started := s.now()
	in = normalizeInput(in)
	if err := in.Validate(); err != nil {
		s.observe("rejected", started)
		s.releaseCode(ctx, in.Code, err)
		return EntrySet{}, err
	}
	chart, err := s.chart.Chart(ctx)
	if err != nil {
		s.releaseCode(ctx, in.Code, err)
		return EntrySet{}, err
	}
	if err := chart.Validate(in.Currency, in.Legs); err != nil {
		s.observe("rejected", started)
		s.releaseCode(ctx, in.Code, err)
		return EntrySet{}, err
	}
	var o postOptions
	for _, opt := range opts {
		opt(&o)
	}

	var set EntrySet
	err = db.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			set, err = s.post(ctx, tx, in, o)
			return err
		})
	})
	if err != nil {
		s.observe(outcome(err), started)
		s.releaseCode(ctx, in.Code, err)
		return EntrySet{}, err
	}
	s.observe("posted", started)
	s.record(ctx, in.PostedBy, "ledger.post", set, nil)
	return set, nil
}

func (s *Service) post(ctx context.Context, tx TxRepository, in PostingInput, o postOptions) (EntrySet, error) {
	if s.gate != nil {
		if err := s.gate.EnsureOpenForPosting(ctx, in.BranchCode, in.EntryDate); err != nil {
			return EntrySet{}, err
		}
	}
	if s.codes != nil {
		if err := s.codes.MarkUsed(ctx, in.Code); err != nil {
			return EntrySet{}, err
		}
	}

	numbers := accountNumbers(in.Legs)
	locked, err := tx.LockAccounts(ctx, numbers)
	if err != nil {
		return EntrySet{}, err
	}
	for _, number := range numbers {
		acc, ok := locked[number]
		if !ok || !acc.IsPostable {
			return EntrySet{}, fmt.Errorf("%w: %s", ErrUnknownAccount, number)
		}
		if acc.Currency != in.Currency {
			return EntrySet{}, fmt.Errorf("%w: account %s is %s", ErrCurrencyMismatch, number, acc.Currency)
		}
	}

	balances := make(map[string]decimal.Decimal, len(locked))
	for number, acc := range locked {
		balances[number] = acc.Balance
	}
	legs := make([]Leg, 0, len(in.Legs))
	for idx, leg := range in.Legs {
		acc := locked[leg.AccountNumber]
		balances[leg.AccountNumber] = balances[leg.AccountNumber].Add(acc.Effect(leg.Side, leg.Amount))
		legs = append(legs, Leg{
			Seq:            idx + 1,
			AccountNumber:  leg.AccountNumber,
			Side:           leg.Side,
			Amount:         leg.Amount,
			RunningBalance: balances[leg.AccountNumber],
		})
	}
	for _, number := range numbers {
		acc := locked[number]
		if !acc.CanBeNegative && balances[number].IsNegative() {
			return EntrySet{}, fmt.Errorf("%w: account %s would be %s", ErrNegativeBalanceNotAllowed, number, balances[number])
		}
	}

	set := EntrySet{
		ID:          uuid.New(),
		Code:        in.Code,
		ReferenceID: in.ReferenceID,
		BankID:      in.BankID,
		BranchCode:  in.BranchCode,
		EntryDate:   in.EntryDate,
		ValueDate:   in.ValueDate,
		Currency:    in.Currency,
		Status:      EntryStatusPosted,
		ReversalOf:  in.reversalOf,
		PostedBy:    in.PostedBy,
		PostedAt:    s.now().UTC(),
		Memo:        in.Memo,
		Legs:        legs,
	}
	set.Checksum = Checksum(set)
	if err := tx.InsertEntrySet(ctx, set); err != nil {
		return EntrySet{}, err
	}
	for _, number := range numbers {
		acc := locked[number]
		if err := tx.UpdateBalance(ctx, number, balances[number], acc.Version); err != nil {
			return EntrySet{}, err
		}
	}
	for _, ext := range o.extensions {
		if err := ext.AfterPost(ctx, set); err != nil {
			return EntrySet{}, err
		}
	}
	return set, nil
}

// Reverse posts the mirror image of an entry set and flags the original REVERSED.
func (s *Service) Reverse(ctx context.Context, in ReverseInput, opts ...PostOption) (EntrySet, error) {
	if in.EntrySetID == uuid.Nil {
		return EntrySet{}, fmt.Errorf("%w: ledger: entry set id required", shared.ErrValidation)
	}
	if strings.TrimSpace(in.Code) == "" {
		return EntrySet{}, fmt.Errorf("%w: ledger: reversal code required", shared.ErrValidation)
	}
	started := s.now()
	var o postOptions
	for _, opt := range opts {
		opt(&o)
	}

	var reversal EntrySet
	err := db.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			original, err := tx.GetEntrySetForUpdate(ctx, in.EntrySetID)
			if err != nil {
				return err
			}
			if original.ReversalOf != nil {
				return ErrInvalidStatus
			}
			if original.Status == EntryStatusReversed || original.ReversedBy != nil {
				return ErrAlreadyReversed
			}
			if s.policy != nil {
				if err := s.policy.CheckReversal(ctx, original, len(o.extensions) > 0); err != nil {
					return err
				}
			}
			entryDate := in.EntryDate
			if entryDate.IsZero() {
				entryDate = s.now()
			}
			id := original.ID
			posting := normalizeInput(PostingInput{
				Code:        in.Code,
				ReferenceID: original.ReferenceID,
				BankID:      original.BankID,
				BranchCode:  original.BranchCode,
				EntryDate:   entryDate,
				ValueDate:   entryDate,
				Currency:    original.Currency,
				Legs:        mirrorLegs(original.Legs),
				PostedBy:    in.ActorID,
				Memo:        defaultReversalMemo(in.Memo, original.Code),
				reversalOf:  &id,
			})
			if err := posting.Validate(); err != nil {
				return err
			}
			reversal, err = s.post(ctx, tx, posting, o)
			if err != nil {
				return err
			}
			return tx.MarkReversed(ctx, original.ID, reversal.ID)
		})
	})
	if err != nil {
		s.observe(outcome(err), started)
		s.releaseCode(ctx, in.Code, err)
		return EntrySet{}, err
	}
	s.observe("reversed", started)
	s.record(ctx, in.ActorID, "ledger.reverse", reversal, map[string]any{"reversal_of": in.EntrySetID.String()})
	return reversal, nil
}

// releaseCode reverts the code of a rejected posting. When a caller owns the
// transaction the rollback restores the code and the caller decides its fate.
func (s *Service) releaseCode(ctx context.Context, code string, cause error) {
	code = strings.TrimSpace(code)
	if s.codes == nil || code == "" || db.InTx(ctx) || errors.Is(cause, shared.ErrDuplicateCode) {
		return
	}
	err := s.codes.Revert(db.DetachTx(context.WithoutCancel(ctx)), code, "posting rejected")
	if err == nil {
		return
	}
	if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrConflict) {
		s.logger.Debug("rejected posting code not reverted", slog.String("code", code), slog.Any("error", err))
		return
	}
	s.logger.Error("revert rejected posting code", slog.String("code", code), slog.Any("error", err))
}

func mirrorLegs(legs []Leg) []LegInput {
	out := make([]LegInput, 0, len(legs))
	for _, leg := range legs {
		out = append(out, LegInput{
			AccountNumber: leg.AccountNumber,
			Side:          leg.Side.Opposite(),
			Amount:        leg.Amount,
		})
	}
	return out
}

func defaultReversalMemo(memo, code string) string {
	if memo != "" {
		return memo
	}
	return fmt.Sprintf("Reversal of %s", code)
}

// GetAccountBalance returns the current balance of a postable or aggregate account.
func (s *Service) GetAccountBalance(ctx context.Context, number string) (Balance, error) {
	acc, err := s.repo.GetAccount(ctx, strings.TrimSpace(number))
	if err != nil {
		return Balance{}, err
	}
	bal := Balance{
		AccountNumber: acc.Number,
		Currency:      acc.Currency,
		IsDebitNormal: acc.IsDebitNormal,
		Balance:       acc.Balance,
	}
	if acc.IsPostable {
		return bal, nil
	}
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return Balance{}, err
	}
	chart, err := BuildChart(accounts)
	if err != nil {
		return Balance{}, err
	}
	bal.Balance = chart.RollUp()[acc.Number]
	return bal, nil
}

// GetEntrySet returns an entry set with its legs.
func (s *Service) GetEntrySet(ctx context.Context, id uuid.UUID) (EntrySet, error) {
	return s.repo.GetEntrySet(ctx, id)
}

// ListByReference returns entry sets that share a business reference.
func (s *Service) ListByReference(ctx context.Context, referenceID string) ([]EntrySet, error) {
	if strings.TrimSpace(referenceID) == "" {
		return nil, fmt.Errorf("%w: ledger: reference required", shared.ErrValidation)
	}
	return s.repo.ListByReference(ctx, referenceID)
}

// TrialBalance builds the trial balance from current balances.
func (s *Service) TrialBalance(ctx context.Context, currency string) (TrialBalance, error) {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return TrialBalance{}, err
	}
	chart, err := BuildChart(accounts)
	if err != nil {
		return TrialBalance{}, err
	}
	return chart.TrialBalance(strings.ToUpper(strings.TrimSpace(currency))), nil
}

// Chart returns the cached chart of accounts.
func (s *Service) Chart(ctx context.Context) (*Chart, error) {
	return s.chart.Chart(ctx)
}

func (s *Service) observe(result string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObservePosting(result, s.now().Sub(started))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, set EntrySet, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["code"] = set.Code
	meta["reference_id"] = set.ReferenceID
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "ledger_entry_set",
		EntityID: set.ID.String(),
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("audit ledger", slog.String("action", action), slog.Any("error", err))
	}
}

func normalizeInput(in PostingInput) PostingInput {
	in.Code = strings.TrimSpace(in.Code)
	in.BranchCode = strings.ToUpper(strings.TrimSpace(in.BranchCode))
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.EntryDate = businessDate(in.EntryDate)
	if in.ValueDate.IsZero() {
		in.ValueDate = in.EntryDate
	} else {
		in.ValueDate = businessDate(in.ValueDate)
	}
	return in
}

func businessDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// accountNumbers returns the distinct leg accounts in lock order.
func accountNumbers(legs []LegInput) []string {
	seen := make(map[string]struct{}, len(legs))
	out := make([]string, 0, len(legs))
	for _, leg := range legs {
		if _, ok := seen[leg.AccountNumber]; ok {
			continue
		}
		seen[leg.AccountNumber] = struct{}{}
		out = append(out, leg.AccountNumber)
	}
	sort.Strings(out)
	return out
}

func outcome(err error) string {
	switch {
	case errors.Is(err, shared.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, shared.ErrDayClosed):
		return "day_closed"
	case errors.Is(err, shared.ErrDuplicateCode):
		return "duplicate"
	case errors.Is(err, shared.ErrNegativeBalanceNotAllowed):
		return "negative_balance"
	default:
		return "failed"
	}
}
