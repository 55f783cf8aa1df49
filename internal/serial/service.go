package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Repository persists counters and issued codes.
type Repository interface {
	// Reserve increments the counter for key and records the code produced by format.
	Reserve(ctx context.Context, key Key, at time.Time, format func(serial int64) string) (Reservation, error)
	// SetStatus moves code from one status to another. It returns errStatusMismatch
	// when the code exists with a different status.
	SetStatus(ctx context.Context, code string, from, to Status, reason string, at time.Time) error
	Get(ctx context.Context, code string) (Reservation, error)
	CountReserved(ctx context.Context, branchCode string, date time.Time) (int, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Metrics receives code lifecycle events.
type Metrics interface {
	ObserveCode(event string)
}

// Config tunes code rendering.
type Config struct {
	Width    int
	Prefixes PrefixTable
}

// Service issues and settles transaction codes.
type Service struct {
	repo     Repository
	width    int
	prefixes PrefixTable
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	width := cfg.Width
	if width <= 0 {
		width = DefaultWidth
	}
	prefixes := cfg.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes()
	}
	return &Service{
		repo:     repo,
		width:    width,
		prefixes: prefixes,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) {
	s.metrics = m
}

// ReserveCode issues the next code for the branch, date and operation.
func (s *Service) ReserveCode(ctx context.Context, in ReserveInput) (Reservation, error) {
	if err := in.Validate(); err != nil {
		return Reservation{}, err
	}
	branch := strings.ToUpper(strings.TrimSpace(in.BranchCode))
	prefix, err := s.prefixes.Resolve(in.OperationType, in.InterBranch)
	if err != nil {
		return Reservation{}, err
	}
	date := BusinessDate(in.Date)
	key := Key{
		BranchCode:    branch,
		Date:          date,
		Prefix:        prefix,
		OperationType: in.OperationType,
		InterBranch:   in.InterBranch,
	}
	res, err := s.repo.Reserve(ctx, key, s.now().UTC(), func(serial int64) string {
		return FormatCode(prefix, branch, date, serial, s.width)
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("serial: reserve %s/%s: %w", branch, prefix, err)
	}
	s.observe("reserved")
	s.logger.Debug("transaction code reserved", slog.String("code", res.Code), slog.Int64("serial", res.Serial))
	return res, nil
}

// MarkUsed consumes a reserved code. It joins the transaction carried by ctx.
func (s *Service) MarkUsed(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrCodeNotFound
	}
	err := s.repo.SetStatus(ctx, code, StatusReserved, StatusUsed, "", s.now().UTC())
	if err == nil {
		s.observe("used")
		return nil
	}
	if !errors.Is(err, errStatusMismatch) {
		return err
	}
	current, err := s.repo.Get(ctx, code)
	if err != nil {
		return err
	}
	switch current.Status {
	case StatusUsed:
		return fmt.Errorf("serial: %s: %w", code, ErrDuplicateCode)
	case StatusReverted:
		return fmt.Errorf("serial: %s: %w", code, ErrCodeReverted)
	default:
		return fmt.Errorf("serial: %s: unexpected status %s", code, current.Status)
	}
}

// Revert releases a reserved code. The serial is never reissued.
func (s *Service) Revert(ctx context.Context, code, reason string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrCodeNotFound
	}
	if strings.TrimSpace(reason) == "" {
		reason = "reverted"
	}
	err := s.repo.SetStatus(ctx, code, StatusReserved, StatusReverted, reason, s.now().UTC())
	if err == nil {
		s.observe("reverted")
		s.logger.Info("transaction code reverted", slog.String("code", code), slog.String("reason", reason))
		return nil
	}
	if !errors.Is(err, errStatusMismatch) {
		return err
	}
	current, err := s.repo.Get(ctx, code)
	if err != nil {
		return err
	}
	switch current.Status {
	case StatusReverted:
		return nil
	case StatusUsed:
		return fmt.Errorf("serial: %s: %w", code, ErrCodeAlreadyUsed)
	default:
		return fmt.Errorf("serial: %s: unexpected status %s", code, current.Status)
	}
}

// Get returns the reservation for code.
func (s *Service) Get(ctx context.Context, code string) (Reservation, error) {
	return s.repo.Get(ctx, strings.TrimSpace(code))
}

// PendingCount returns reserved codes not yet used or reverted for the branch and date.
// The branch "*" counts every branch.
func (s *Service) PendingCount(ctx context.Context, branchCode string, date time.Time) (int, error) {
	return s.repo.CountReserved(ctx, strings.ToUpper(strings.TrimSpace(branchCode)), BusinessDate(date))
}

// SweepStale reverts reservations older than the given age. It returns the number reverted.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("serial: sweep age must be positive")
	}
	if limit <= 0 {
		limit = 500
	}
	codes, err := s.repo.ListStale(ctx, s.now().UTC().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	reverted := 0
	for _, code := range codes {
		if err := s.Revert(ctx, code, "reservation expired"); err != nil {
			if errors.Is(err, ErrCodeAlreadyUsed) {
				continue
			}
			return reverted, err
		}
		reverted++
	}
	if reverted > 0 {
		s.logger.Warn("stale reservations reverted", slog.Int("count", reverted))
	}
	return reverted, nil
}

func (s *Service) observe(event string) {
	if s.metrics != nil {
		s.metrics.ObserveCode(event)
	}
}
