// Package operations books deposits, withdrawals, transfers, remittances and loan
// repayments. Each operation checks the accounting day, reserves a code, posts a
// balanced entry set and moves the teller's custody balance in the same transaction.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/corebank/internal/custody"
	"github.com/odyssey-erp/corebank/internal/integration/loans"
	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/ledger/mappings"
	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/serial"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// Gate answers whether a branch may post on a date.
type Gate interface {
	EnsureOpenForPosting(ctx context.Context, branch string, date time.Time) error
}

// Ledger posts and reverses entry sets.
type Ledger interface {
	Post(ctx context.Context, in ledger.PostingInput, opts ...ledger.PostOption) (ledger.EntrySet, error)
	Reverse(ctx context.Context, in ledger.ReverseInput, opts ...ledger.PostOption) (ledger.EntrySet, error)
	GetEntrySet(ctx context.Context, id uuid.UUID) (ledger.EntrySet, error)
	GetAccountBalance(ctx context.Context, number string) (ledger.Balance, error)
}

// Codes hands out guarded transaction codes.
type Codes interface {
	Begin(ctx context.Context, in serial.ReserveInput) (*serial.Guard, error)
	Hold(ctx context.Context, code string) (*serial.Guard, error)
}

// Custody ties postings that touch a till to the teller-day.
type Custody interface {
	PrepareMovement(ctx context.Context, tellerID int64, date time.Time, actorID int64) (custody.Movement, error)
	MovementExtension(m custody.Movement) ledger.Extension
	TellerForSet(ctx context.Context, set ledger.EntrySet) (int64, error)
}

// Loans looks up loans at the loan service.
type Loans interface {
	GetLoan(ctx context.Context, id string) (loans.Loan, error)
}

// AccountResolver maps module keys to account numbers.
type AccountResolver interface {
	Account(ctx context.Context, module, key string) (string, error)
}

// Idempotency records request keys.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Metrics observes booked operations.
type Metrics interface {
	ObserveOperation(kind, outcome string)
}

// Deps groups the collaborators of Service.
type Deps struct {
	Gate        Gate
	Ledger      Ledger
	Codes       Codes
	Custody     Custody
	Loans       Loans
	Accounts    AccountResolver
	Idempotency Idempotency
	Metrics     Metrics
	Logger      *slog.Logger
	BankID      string
}

// Service books financial operations.
type Service struct {
	gate     Gate
	ledger   Ledger
	codes    Codes
	custody  Custody
	loans    Loans
	accounts AccountResolver
	idem     Idempotency
	metrics  Metrics
	logger   *slog.Logger
	bankID   string
}

// NewService constructs the service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gate:     deps.Gate,
		ledger:   deps.Ledger,
		codes:    deps.Codes,
		custody:  deps.Custody,
		loans:    deps.Loans,
		accounts: deps.Accounts,
		idem:     deps.Idempotency,
		metrics:  deps.Metrics,
		logger:   logger,
		bankID:   deps.BankID,
	}
}

// operation is one pass through gate, reservation, posting and confirmation.
type operation struct {
	kind        Kind
	serialOp    serial.OperationType
	interBranch bool
	code        string
	idemKey     string
	branch      string
	date        time.Time
	tellerID    int64
	// submit books the entry set under code. till is the teller's till account
	// when tellerID is set.
	submit func(ctx context.Context, code, till string, opts []ledger.PostOption) (ledger.EntrySet, error)
}

func (s *Service) execute(ctx context.Context, o operation, actor shared.Actor) (Result, error) {
	res, err := s.book(ctx, o, actor)
	outcome := "booked"
	if err != nil {
		outcome = "rejected"
	}
	if s.metrics != nil {
		s.metrics.ObserveOperation(string(o.kind), outcome)
	}
	if err != nil {
		if errors.Is(err, shared.ErrUnavailable) || errors.Is(err, shared.ErrConcurrentModification) {
			s.logger.Warn("operation not booked", slog.String("kind", string(o.kind)), slog.String("branch", o.branch), slog.Any("error", err))
		}
		return Result{}, err
	}
	s.logger.Info("operation booked",
		slog.String("kind", string(o.kind)),
		slog.String("code", res.Code),
		slog.String("branch", o.branch),
		slog.Int64("actor", actor.ID),
	)
	return res, nil
}

func (s *Service) book(ctx context.Context, o operation, actor shared.Actor) (Result, error) {
	if err := actor.Require(shared.PermOperations); err != nil {
		return Result{}, err
	}
	if o.branch == "" {
		return Result{}, fmt.Errorf("%w: operations: branch required", shared.ErrValidation)
	}
	if o.date.IsZero() {
		return Result{}, fmt.Errorf("%w: operations: date required", shared.ErrValidation)
	}
	o.date = serial.BusinessDate(o.date)
	if err := s.gate.EnsureOpenForPosting(ctx, o.branch, o.date); err != nil {
		return Result{}, err
	}

	var (
		opts []ledger.PostOption
		till string
	)
	if o.tellerID != 0 {
		m, err := s.custody.PrepareMovement(ctx, o.tellerID, o.date, actor.ID)
		if err != nil {
			return Result{}, err
		}
		if m.BranchCode != o.branch {
			return Result{}, fmt.Errorf("%w: operations: teller %d belongs to %s", shared.ErrValidation, o.tellerID, m.BranchCode)
		}
		till = m.TillAccount
		opts = append(opts, ledger.WithExtension(s.custody.MovementExtension(m)))
	}

	if o.idemKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, o.idemKey, "operations."+string(o.kind)); err != nil {
			return Result{}, err
		}
	}
	res, err := s.reserveAndPost(ctx, o, till, opts)
	if err != nil && o.idemKey != "" && s.idem != nil {
		if delErr := s.idem.Delete(db.DetachTx(context.WithoutCancel(ctx)), o.idemKey); delErr != nil {
			s.logger.Error("release idempotency key", slog.String("key", o.idemKey), slog.Any("error", delErr))
		}
	}
	return res, err
}

func (s *Service) reserveAndPost(ctx context.Context, o operation, till string, opts []ledger.PostOption) (Result, error) {
	var (
		guard *serial.Guard
		err   error
	)
	if code := strings.ToUpper(strings.TrimSpace(o.code)); code != "" {
		guard, err = s.codes.Hold(ctx, code)
	} else {
		guard, err = s.codes.Begin(ctx, serial.ReserveInput{
			BranchCode:    o.branch,
			OperationType: o.serialOp,
			InterBranch:   o.interBranch,
			Date:          o.date,
		})
	}
	if err != nil {
		return Result{}, err
	}
	defer guard.Release(ctx)

	set, err := o.submit(ctx, guard.Code(), till, opts)
	if err != nil {
		return Result{}, err
	}
	guard.Commit()
	return Result{Kind: o.kind, Code: set.Code, EntrySet: set}, nil
}

// posting builds the PostingInput shared by all forward operations.
func (s *Service) posting(ctx context.Context, code, branch string, date time.Time, ref, memo string, actorID int64, legs []ledger.LegInput) (ledger.PostingInput, error) {
	bal, err := s.ledger.GetAccountBalance(ctx, legs[0].AccountNumber)
	if err != nil {
		return ledger.PostingInput{}, err
	}
	return ledger.PostingInput{
		Code:        code,
		ReferenceID: ref,
		BankID:      s.bankID,
		BranchCode:  branch,
		EntryDate:   date,
		Currency:    bal.Currency,
		Legs:        legs,
		PostedBy:    actorID,
		Memo:        memo,
	}, nil
}

func (s *Service) mapped(ctx context.Context, key string) (string, error) {
	if s.accounts == nil {
		return "", fmt.Errorf("operations: account mappings not configured")
	}
	return s.accounts.Account(ctx, mappings.ModuleOperations, key)
}

func normalizeBranch(branch string) string {
	return strings.ToUpper(strings.TrimSpace(branch))
}
