package custody

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

	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/ledger/mappings"
	"github.com/odyssey-erp/corebank/internal/platform/lock"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// Repository exposes custody persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTeller(ctx context.Context, id int64) (Teller, error)
	ListTellers(ctx context.Context, branch string) ([]Teller, error)
	SaveTeller(ctx context.Context, teller Teller) (Teller, error)
	GetVault(ctx context.Context, id int64) (Vault, error)
	ListVaults(ctx context.Context, branch string) ([]Vault, error)
	SaveVault(ctx context.Context, vault Vault) (Vault, error)
	GetTellerDay(ctx context.Context, tellerID int64, date time.Time) (TellerDay, error)
	ListTellerDays(ctx context.Context, branch string, date time.Time) ([]TellerDay, error)
	GetTransition(ctx context.Context, code string) (Transition, error)
	ListVariances(ctx context.Context, tellerID int64, date time.Time) ([]Variance, error)
	ListHistory(ctx context.Context, tellerID int64, date time.Time) ([]Provisioning, error)
}

// TxRepository exposes transactional custody operations.
type TxRepository interface {
	LockTellerDay(ctx context.Context, tellerID int64, date time.Time) (TellerDay, error)
	InsertTellerDay(ctx context.Context, day TellerDay) error
	UpdateTellerDay(ctx context.Context, day TellerDay) error
	LockVault(ctx context.Context, id int64) (Vault, error)
	UpdateVault(ctx context.Context, vault Vault) error
	InsertHistory(ctx context.Context, p Provisioning) error
	SetHistoryStatus(ctx context.Context, tellerID int64, date time.Time, status ProvisioningStatus) error
	InsertVariance(ctx context.Context, v Variance) error
	PendingVariances(ctx context.Context, tellerID int64, date time.Time) ([]Variance, error)
	UpdateVariance(ctx context.Context, v Variance) error
	InsertTransition(ctx context.Context, t Transition) error
}

// Ledger is the posting engine as seen by custody.
type Ledger interface {
	Post(ctx context.Context, in ledger.PostingInput, opts ...ledger.PostOption) (ledger.EntrySet, error)
	GetAccountBalance(ctx context.Context, number string) (ledger.Balance, error)
}

// Codes issues and consumes transaction codes.
type Codes interface {
	Begin(ctx context.Context, in serial.ReserveInput) (*serial.Guard, error)
	Hold(ctx context.Context, code string) (*serial.Guard, error)
	MarkUsed(ctx context.Context, code string) error
}

// AccountResolver maps custody keys (suspense, shortage, overage) to ledger accounts.
type AccountResolver interface {
	Account(ctx context.Context, module, key string) (string, error)
}

// AuditPort records custody events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const approvalModule = "custody.variance"

// ApprovalPort keeps the maker/checker trail of variances.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// Metrics receives custody outcomes.
type Metrics interface {
	ObserveTransition(command string, outcome string)
	ObserveVariance(kind string, amount decimal.Decimal)
}

// Deps groups collaborators of the Service.
type Deps struct {
	Repo      Repository
	Ledger    Ledger
	Codes     Codes
	Accounts  AccountResolver
	Locker    lock.Locker
	Audit     AuditPort
	Approvals ApprovalPort
	Metrics   Metrics
	Logger    *slog.Logger
}

// Service drives the teller/vault custody chain.
type Service struct {
	repo      Repository
	ledger    Ledger
	codes     Codes
	accounts  AccountResolver
	locker    lock.Locker
	audit     AuditPort
	approvals ApprovalPort
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the custody service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NopLocker{}
	}
	return &Service{
		repo:      deps.Repo,
		ledger:    deps.Ledger,
		codes:     deps.Codes,
		accounts:  deps.Accounts,
		locker:    locker,
		audit:     deps.Audit,
		approvals: deps.Approvals,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// errReplayed signals that the code was already applied by the same command.
var errReplayed = errors.New("custody: command replayed")

// command describes one guarded custody step.
type command struct {
	cmd      Command
	code     string
	op       serial.OperationType
	branch   string
	date     time.Time
	tellerID int64
	vaultID  int64
	locks    []string
	actor    shared.Actor
	perm     string
}

// run authorises, serialises and guards a custody step. fn receives the code to use;
// the code is reverted unless fn succeeds.
func (s *Service) run(ctx context.Context, c command, fn func(ctx context.Context, code string) error) error {
	if err := c.actor.Require(c.perm); err != nil {
		return err
	}
	code := strings.ToUpper(strings.TrimSpace(c.code))

	release, err := s.acquire(ctx, c.locks)
	if err != nil {
		return err
	}
	defer release()

	if code != "" {
		if err := s.checkReplay(ctx, c, code); err != nil {
			return err
		}
	}

	var guard *serial.Guard
	if code == "" {
		guard, err = s.codes.Begin(ctx, serial.ReserveInput{BranchCode: c.branch, OperationType: c.op, Date: c.date})
	} else {
		guard, err = s.codes.Hold(ctx, code)
	}
	if err != nil {
		return err
	}
	defer guard.Release(ctx)

	if err := fn(ctx, guard.Code()); err != nil {
		if errors.Is(err, shared.ErrDuplicateCode) {
			if replayErr := s.checkReplay(ctx, c, guard.Code()); errors.Is(replayErr, errReplayed) {
				guard.Commit()
				return errReplayed
			}
		}
		s.observe(c.cmd, "rejected")
		return err
	}
	guard.Commit()
	s.observe(c.cmd, "applied")
	return nil
}

func (s *Service) checkReplay(ctx context.Context, c command, code string) error {
	tr, err := s.repo.GetTransition(ctx, code)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	sameTeller := c.tellerID == 0 || (tr.TellerID != nil && *tr.TellerID == c.tellerID)
	sameVault := c.vaultID == 0 || (tr.VaultID != nil && *tr.VaultID == c.vaultID)
	if tr.Command == c.cmd && sameTeller && sameVault {
		s.observe(c.cmd, "replayed")
		return errReplayed
	}
	return fmt.Errorf("%w: %s", ErrCodeReplayed, code)
}

// acquire takes the Redis mutexes in key order so concurrent commands over the same
// parties cannot deadlock.
func (s *Service) acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	releases := make([]lock.Release, 0, len(sorted))
	unlock := func() {
		bg := context.WithoutCancel(ctx)
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](bg); err != nil {
				s.logger.Warn("custody lock release failed", slog.Any("error", err))
			}
		}
	}
	for idx, key := range sorted {
		if idx > 0 && key == sorted[idx-1] {
			continue
		}
		release, err := s.locker.Acquire(ctx, key)
		if err != nil {
			unlock()
			return nil, err
		}
		releases = append(releases, release)
	}
	return unlock, nil
}

func (s *Service) observe(cmd Command, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(cmd), outcome)
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "custody",
		EntityID: entityID,
		Meta:     meta,
		At:       s.now().UTC(),
	}); err != nil {
		s.logger.Error("custody audit failed", slog.String("action", action), slog.Any("error", err))
	}
}

// approve appends to a variance's approval trail. Failures are logged; the
// ledger and custody state are already committed.
func (s *Service) approve(ctx context.Context, action shared.ApprovalAction, v Variance, actorID int64, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   v.ID,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.now().UTC(),
	}); err != nil {
		s.logger.Error("variance approval trail", slog.String("variance", v.ID.String()), slog.Any("error", err))
	}
}

// loadCashTeller returns an active teller that may hold a float.
func (s *Service) loadCashTeller(ctx context.Context, id int64) (Teller, error) {
	teller, err := s.repo.GetTeller(ctx, id)
	if err != nil {
		return Teller{}, err
	}
	if !teller.Active || !teller.Type.HandlesCash() {
		return Teller{}, fmt.Errorf("%w: teller %d", ErrNotCashTeller, id)
	}
	return teller, nil
}

// currencyOf returns the currency of a ledger account.
func (s *Service) currencyOf(ctx context.Context, account string) (string, error) {
	bal, err := s.ledger.GetAccountBalance(ctx, account)
	if err != nil {
		return "", err
	}
	return bal.Currency, nil
}

func (s *Service) custodyAccount(ctx context.Context, key string) (string, error) {
	if s.accounts == nil {
		return "", fmt.Errorf("custody: account resolver not configured for %s", key)
	}
	return s.accounts.Account(ctx, mappings.ModuleCustody, key)
}

func tellerLock(id int64, date time.Time) string {
	return shared.TellerDayLockKey(id, date)
}

func vaultLock(id int64) string {
	return shared.VaultLockKey(id)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// checkDenominations ensures a breakdown, when given, adds up to amount.
func checkDenominations(amount decimal.Decimal, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	total, err := SumDenominations(raw)
	if err != nil {
		return err
	}
	if !total.Equal(amount) {
		return fmt.Errorf("%w: custody: denominations total %s, amount is %s", shared.ErrValidation, total, amount)
	}
	return nil
}
