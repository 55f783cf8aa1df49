package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

// MemoryRepository is an in-process Repository used by tests and local tooling.
// Transactions are serialised and rolled back from a snapshot on error.
type MemoryRepository struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	accounts map[string]Account
	sets     map[uuid.UUID]EntrySet
	codes    map[string]uuid.UUID
}

// NewMemoryRepository constructs a repository seeded with accounts.
func NewMemoryRepository(accounts ...Account) *MemoryRepository {
	m := &MemoryRepository{
		accounts: make(map[string]Account),
		sets:     make(map[uuid.UUID]EntrySet),
		codes:    make(map[string]uuid.UUID),
	}
	for _, acc := range accounts {
		m.accounts[acc.Number] = acc
	}
	return m
}

// WithTx runs fn with exclusive access to the repository.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	accounts := make(map[string]Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	sets := make(map[uuid.UUID]EntrySet, len(m.sets))
	for k, v := range m.sets {
		sets[k] = v
	}
	codes := make(map[string]uuid.UUID, len(m.codes))
	for k, v := range m.codes {
		codes[k] = v
	}
	m.mu.Unlock()

	txCtx, rollback, owned := db.BeginUndo(ctx)
	if err := fn(txCtx, memoryTx{m: m}); err != nil {
		m.mu.Lock()
		m.accounts, m.sets, m.codes = accounts, sets, codes
		m.mu.Unlock()
		if owned {
			rollback()
		}
		return err
	}
	return nil
}

// ListAccounts returns accounts ordered by number.
func (m *MemoryRepository) ListAccounts(context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// GetAccount returns one account.
func (m *MemoryRepository) GetAccount(_ context.Context, number string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[number]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, number)
	}
	return acc, nil
}

// GetEntrySet returns a set by id.
func (m *MemoryRepository) GetEntrySet(_ context.Context, id uuid.UUID) (EntrySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[id]
	if !ok {
		return EntrySet{}, ErrEntrySetNotFound
	}
	return set, nil
}

// ListByReference returns sets for a reference.
func (m *MemoryRepository) ListByReference(_ context.Context, referenceID string) ([]EntrySet, error) {
	return m.filter(func(set EntrySet) bool { return set.ReferenceID == referenceID }), nil
}

// ListByDate returns sets dated on date.
func (m *MemoryRepository) ListByDate(_ context.Context, date time.Time) ([]EntrySet, error) {
	return m.filter(func(set EntrySet) bool { return set.EntryDate.Equal(date) }), nil
}

func (m *MemoryRepository) filter(keep func(EntrySet) bool) []EntrySet {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EntrySet
	for _, set := range m.sets {
		if keep(set) {
			out = append(out, set)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].PostedAt.Before(out[j].PostedAt)
	})
	return out
}

// SumLegsByAccount returns signed leg sums per account.
func (m *MemoryRepository) SumLegsByAccount(context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sums := make(map[string]decimal.Decimal)
	for _, set := range m.sets {
		for _, leg := range set.Legs {
			acc := m.accounts[leg.AccountNumber]
			sums[leg.AccountNumber] = sums[leg.AccountNumber].Add(acc.Effect(leg.Side, leg.Amount))
		}
	}
	return sums, nil
}

// Tamper overwrites a stored set; it exists to exercise integrity checks.
func (m *MemoryRepository) Tamper(id uuid.UUID, fn func(*EntrySet)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[id]
	fn(&set)
	m.sets[id] = set
}

type memoryTx struct {
	m *MemoryRepository
}

func (t memoryTx) LockAccounts(_ context.Context, numbers []string) (map[string]Account, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	out := make(map[string]Account, len(numbers))
	for _, number := range numbers {
		if acc, ok := t.m.accounts[number]; ok {
			out[number] = acc
		}
	}
	return out, nil
}

func (t memoryTx) InsertEntrySet(_ context.Context, set EntrySet) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, dup := t.m.codes[set.Code]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateCode, set.Code)
	}
	legs := make([]Leg, len(set.Legs))
	copy(legs, set.Legs)
	set.Legs = legs
	t.m.sets[set.ID] = set
	t.m.codes[set.Code] = set.ID
	return nil
}

func (t memoryTx) UpdateBalance(_ context.Context, number string, balance decimal.Decimal, version int64) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	acc, ok := t.m.accounts[number]
	if !ok || acc.Version != version {
		return fmt.Errorf("ledger: account %s: %w", number, db.ErrStaleVersion)
	}
	acc.Balance = balance
	acc.Version++
	t.m.accounts[number] = acc
	return nil
}

func (t memoryTx) GetEntrySetForUpdate(ctx context.Context, id uuid.UUID) (EntrySet, error) {
	return t.m.GetEntrySet(ctx, id)
}

func (t memoryTx) MarkReversed(_ context.Context, id, reversedBy uuid.UUID) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	set, ok := t.m.sets[id]
	if !ok {
		return ErrEntrySetNotFound
	}
	if set.Status != EntryStatusPosted {
		return ErrAlreadyReversed
	}
	set.Status = EntryStatusReversed
	set.ReversedBy = &reversedBy
	t.m.sets[id] = set
	return nil
}
