package accountingday

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// Repository exposes persistence for accounting days.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, branch string, date time.Time) (Day, error)
	List(ctx context.Context, branch string, from, to time.Time) ([]Day, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockDay(ctx context.Context, branch string, date time.Time) (Day, error)
	ShareDay(ctx context.Context, branch string, date time.Time) (Day, error)
	InsertDay(ctx context.Context, day Day) error
	UpdateDay(ctx context.Context, day Day) error
	DeleteDay(ctx context.Context, branch string, date time.Time) error
	CountEntrySets(ctx context.Context, branch string, date time.Time) (int, error)
}

// PendingCounter reports reserved codes not yet settled.
type PendingCounter interface {
	PendingCount(ctx context.Context, branch string, date time.Time) (int, error)
}

// AuditRecorder persists audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CloseCheck vetoes a day close by returning an error.
type CloseCheck func(ctx context.Context, branch string, date time.Time) error

type namedCheck struct {
	name  string
	check CloseCheck
}

// Options configures the Service.
type Options struct {
	Centralized bool
	Pending     PendingCounter
	Audit       AuditRecorder
	Logger      *slog.Logger
}

// Service governs the accounting day lifecycle.
type Service struct {
	repo        Repository
	pending     PendingCounter
	audit       AuditRecorder
	centralized bool
	checks      []namedCheck
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the service.
func NewService(repo Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		pending:     opts.Pending,
		audit:       opts.Audit,
		centralized: opts.Centralized,
		logger:      logger,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RegisterCloseCheck adds a check run inside the close transaction.
func (s *Service) RegisterCloseCheck(name string, check CloseCheck) {
	if check == nil {
		return
	}
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

// ResolveBranch maps a branch to the key its day is stored under.
func (s *Service) ResolveBranch(branch string) string {
	if s.centralized {
		return CentralBranch
	}
	return normalizeBranch(branch)
}

func (s *Service) key(branch string, date time.Time) (string, time.Time, error) {
	resolved := s.ResolveBranch(branch)
	if resolved == "" {
		return "", time.Time{}, fmt.Errorf("%w: accountingday: branch required", shared.ErrValidation)
	}
	if date.IsZero() {
		return "", time.Time{}, fmt.Errorf("%w: accountingday: date required", shared.ErrValidation)
	}
	return resolved, BusinessDate(date), nil
}

// Open starts the day. A closed day is activated again as REOPENED, which
// requires the reopen permission.
func (s *Service) Open(ctx context.Context, branch string, date time.Time, actor shared.Actor) (Day, error) {
	if err := actor.Require(shared.PermDayOpen); err != nil {
		return Day{}, err
	}
	key, day, err := s.key(branch, date)
	if err != nil {
		return Day{}, err
	}
	var result Day
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockDay(ctx, key, day)
		if errors.Is(err, ErrDayNotFound) {
			result = Day{
				BranchCode:    key,
				Date:          day,
				Status:        StatusOpen,
				IsCentralized: s.centralized,
				OpenedBy:      actor.ID,
				OpenedAt:      s.now().UTC(),
			}
			return tx.InsertDay(ctx, result)
		}
		if err != nil {
			return err
		}
		if current.Status != StatusClosed {
			return ErrDayAlreadyOpen
		}
		if err := actor.Require(shared.PermDayReopen); err != nil {
			return err
		}
		result = s.reopened(current, actor.ID, "reopened through open")
		return tx.UpdateDay(ctx, result)
	})
	if err != nil {
		return Day{}, err
	}
	action := "accounting_day.open"
	if result.Status == StatusReopened {
		action = "accounting_day.reopen"
		s.logger.Warn("closed accounting day reopened", slog.String("branch", key), slog.Time("date", day), slog.Int64("actor", actor.ID))
	}
	s.record(ctx, actor.ID, action, result, nil)
	return result, nil
}

// Close ends the day once no reservation is in flight and every close check passes.
func (s *Service) Close(ctx context.Context, branch string, date time.Time, actor shared.Actor) (Day, error) {
	if err := actor.Require(shared.PermDayClose); err != nil {
		return Day{}, err
	}
	key, day, err := s.key(branch, date)
	if err != nil {
		return Day{}, err
	}
	var result Day
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockDay(ctx, key, day)
		if err != nil {
			return err
		}
		if !current.AcceptsPostings() {
			return fmt.Errorf("accountingday: close %s day: %w", strings.ToLower(string(current.Status)), shared.ErrInvalidTransition)
		}
		if s.pending != nil {
			pending, err := s.pending.PendingCount(ctx, key, day)
			if err != nil {
				return err
			}
			if pending > 0 {
				return fmt.Errorf("%w: %d reserved codes", ErrPostingsInFlight, pending)
			}
		}
		for _, c := range s.checks {
			if err := c.check(ctx, key, day); err != nil {
				return fmt.Errorf("accountingday: close check %s: %w", c.name, err)
			}
		}
		now := s.now().UTC()
		actorID := actor.ID
		current.Status = StatusClosed
		current.ClosedBy = &actorID
		current.ClosedAt = &now
		result = current
		return tx.UpdateDay(ctx, result)
	})
	if err != nil {
		return Day{}, err
	}
	s.record(ctx, actor.ID, "accounting_day.close", result, nil)
	return result, nil
}

// Reopen activates a closed day for corrections.
func (s *Service) Reopen(ctx context.Context, branch string, date time.Time, actor shared.Actor, reason string) (Day, error) {
	if err := actor.Require(shared.PermDayReopen); err != nil {
		return Day{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Day{}, ErrReasonRequired
	}
	key, day, err := s.key(branch, date)
	if err != nil {
		return Day{}, err
	}
	var result Day
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockDay(ctx, key, day)
		if err != nil {
			return err
		}
		if current.Status != StatusClosed {
			return fmt.Errorf("accountingday: reopen %s day: %w", strings.ToLower(string(current.Status)), shared.ErrInvalidTransition)
		}
		result = s.reopened(current, actor.ID, reason)
		return tx.UpdateDay(ctx, result)
	})
	if err != nil {
		return Day{}, err
	}
	s.logger.Warn("accounting day reopened", slog.String("branch", key), slog.Time("date", day), slog.Int64("actor", actor.ID), slog.String("reason", reason))
	s.record(ctx, actor.ID, "accounting_day.reopen", result, map[string]any{"reason": reason})
	return result, nil
}

func (s *Service) reopened(day Day, actorID int64, reason string) Day {
	now := s.now().UTC()
	day.Status = StatusReopened
	day.ReopenedBy = &actorID
	day.ReopenedAt = &now
	day.ReopenReason = reason
	day.ClosedBy = nil
	day.ClosedAt = nil
	return day
}

// Delete removes a day that no ledger entry references.
func (s *Service) Delete(ctx context.Context, branch string, date time.Time, actor shared.Actor) error {
	if err := actor.Require(shared.PermDayDelete); err != nil {
		return err
	}
	key, day, err := s.key(branch, date)
	if err != nil {
		return err
	}
	var deleted Day
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockDay(ctx, key, day)
		if err != nil {
			return err
		}
		used, err := tx.CountEntrySets(ctx, key, day)
		if err != nil {
			return err
		}
		if used > 0 {
			return ErrDayInUse
		}
		deleted = current
		return tx.DeleteDay(ctx, key, day)
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor.ID, "accounting_day.delete", deleted, nil)
	return nil
}

// IsDayOpen reports whether postings are currently accepted for the branch and date.
func (s *Service) IsDayOpen(ctx context.Context, branch string, date time.Time) (bool, error) {
	key, day, err := s.key(branch, date)
	if err != nil {
		return false, err
	}
	current, err := s.repo.Get(ctx, key, day)
	if errors.Is(err, ErrDayNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current.AcceptsPostings(), nil
}

// EnsureOpenForPosting holds the day row FOR SHARE within the transaction carried by
// ctx, so a concurrent close waits until the posting commits.
func (s *Service) EnsureOpenForPosting(ctx context.Context, branch string, date time.Time) error {
	key, day, err := s.key(branch, date)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ShareDay(ctx, key, day)
		if errors.Is(err, ErrDayNotFound) {
			return fmt.Errorf("%w: %s %s not opened", ErrDayClosed, key, day.Format("2006-01-02"))
		}
		if err != nil {
			return err
		}
		if !current.AcceptsPostings() {
			return fmt.Errorf("%w: %s %s", ErrDayClosed, key, day.Format("2006-01-02"))
		}
		return nil
	})
}

// Get returns a single day.
func (s *Service) Get(ctx context.Context, branch string, date time.Time) (Day, error) {
	key, day, err := s.key(branch, date)
	if err != nil {
		return Day{}, err
	}
	return s.repo.Get(ctx, key, day)
}

// List returns days for a branch in [from, to].
func (s *Service) List(ctx context.Context, branch string, from, to time.Time) ([]Day, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: accountingday: range end before start", shared.ErrValidation)
	}
	return s.repo.List(ctx, s.ResolveBranch(branch), BusinessDate(from), BusinessDate(to))
}

func (s *Service) record(ctx context.Context, actorID int64, action string, day Day, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(day.Status)
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "accounting_day",
		EntityID: day.BranchCode + "/" + day.Date.Format("2006-01-02"),
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("audit accounting day", slog.String("action", action), slog.Any("error", err))
	}
}
