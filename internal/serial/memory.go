package serial

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

// MemoryRepository is an in-process Repository used by tests and local tooling.
type MemoryRepository struct {
	mu       sync.Mutex
	counters map[Key]int64
	codes    map[string]Reservation
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		counters: make(map[Key]int64),
		codes:    make(map[string]Reservation),
	}
}

// Reserve increments the counter and records the code.
func (m *MemoryRepository) Reserve(_ context.Context, key Key, at time.Time, format func(int64) string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	serial := m.counters[key]
	code := format(serial)
	if _, exists := m.codes[code]; exists {
		return Reservation{}, fmt.Errorf("serial: %s: %w", code, ErrDuplicateCode)
	}
	res := Reservation{Code: code, Serial: serial, Key: key, Status: StatusReserved, ReservedAt: at}
	m.codes[code] = res
	return res, nil
}

// SetStatus applies a conditional status update. Inside an in-memory unit of work
// the previous status comes back if that work rolls back.
func (m *MemoryRepository) SetStatus(ctx context.Context, code string, from, to Status, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.codes[code]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCodeNotFound, code)
	}
	if res.Status != from {
		return errStatusMismatch
	}
	res.Status = to
	ts := at
	switch to {
	case StatusUsed:
		res.UsedAt = &ts
	case StatusReverted:
		res.RevertedAt = &ts
		res.RevertReason = reason
	}
	prev := m.codes[code]
	m.codes[code] = res
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		m.codes[code] = prev
		m.mu.Unlock()
	})
	return nil
}

// Get returns a reservation by code.
func (m *MemoryRepository) Get(_ context.Context, code string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.codes[code]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrCodeNotFound, code)
	}
	return res, nil
}

// CountReserved counts reserved codes for the branch ("*" for all) and date.
func (m *MemoryRepository) CountReserved(_ context.Context, branchCode string, date time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, res := range m.codes {
		if res.Status != StatusReserved || !res.Key.Date.Equal(date) {
			continue
		}
		if branchCode == "*" || res.Key.BranchCode == branchCode {
			count++
		}
	}
	return count, nil
}

// ListStale lists reserved codes issued before the cutoff, oldest first.
func (m *MemoryRepository) ListStale(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []Reservation
	for _, res := range m.codes {
		if res.Status == StatusReserved && res.ReservedAt.Before(before) {
			stale = append(stale, res)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].ReservedAt.Equal(stale[j].ReservedAt) {
			return stale[i].Code < stale[j].Code
		}
		return stale[i].ReservedAt.Before(stale[j].ReservedAt)
	})
	codes := make([]string, 0, len(stale))
	for i, res := range stale {
		if limit > 0 && i >= limit {
			break
		}
		codes = append(codes, res.Code)
	}
	return codes, nil
}
