package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/shared"
)

type dayKey struct {
	tellerID int64
	date     time.Time
}

type memoryState struct {
	tellers     map[int64]Teller
	vaults      map[int64]Vault
	days        map[dayKey]TellerDay
	history     []Provisioning
	variances   map[uuid.UUID]Variance
	transitions map[string]Transition
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		tellers:     make(map[int64]Teller, len(s.tellers)),
		vaults:      make(map[int64]Vault, len(s.vaults)),
		days:        make(map[dayKey]TellerDay, len(s.days)),
		history:     append([]Provisioning(nil), s.history...),
		variances:   make(map[uuid.UUID]Variance, len(s.variances)),
		transitions: make(map[string]Transition, len(s.transitions)),
	}
	for k, v := range s.tellers {
		out.tellers[k] = v
	}
	for k, v := range s.vaults {
		out.vaults[k] = v
	}
	for k, v := range s.days {
		out.days[k] = v
	}
	for k, v := range s.variances {
		out.variances[k] = v
	}
	for k, v := range s.transitions {
		out.transitions[k] = v
	}
	return out
}

// MemoryRepository is an in-process Repository used by tests and local tooling.
// Transactions are serialised and rolled back from a snapshot on error.
type MemoryRepository struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	state  memoryState
	nextID int64
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: memoryState{
		tellers:     make(map[int64]Teller),
		vaults:      make(map[int64]Vault),
		days:        make(map[dayKey]TellerDay),
		variances:   make(map[uuid.UUID]Variance),
		transitions: make(map[string]Transition),
	}}
}

// WithTx runs fn with exclusive access to the repository.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()

	txCtx, rollback, owned := db.BeginUndo(ctx)
	if err := fn(txCtx, memoryTx{m: m}); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		if owned {
			rollback()
		}
		return err
	}
	return nil
}

func (m *MemoryRepository) GetTeller(_ context.Context, id int64) (Teller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.state.tellers[id]
	if !ok {
		return Teller{}, fmt.Errorf("%w: %d", ErrTellerNotFound, id)
	}
	return t, nil
}

func (m *MemoryRepository) ListTellers(_ context.Context, branch string) ([]Teller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Teller
	for _, t := range m.state.tellers {
		if branch == "*" || t.BranchCode == branch {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) SaveTeller(_ context.Context, teller Teller) (Teller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if teller.ID == 0 {
		m.nextID++
		teller.ID = m.nextID
	} else if teller.ID > m.nextID {
		m.nextID = teller.ID
	}
	m.state.tellers[teller.ID] = teller
	return teller, nil
}

func (m *MemoryRepository) GetVault(_ context.Context, id int64) (Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state.vaults[id]
	if !ok {
		return Vault{}, fmt.Errorf("%w: %d", ErrVaultNotFound, id)
	}
	return v, nil
}

func (m *MemoryRepository) ListVaults(_ context.Context, branch string) ([]Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Vault
	for _, v := range m.state.vaults {
		if branch == "*" || v.BranchCode == branch {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) SaveVault(_ context.Context, vault Vault) (Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vault.ID == 0 {
		m.nextID++
		vault.ID = m.nextID
	} else if vault.ID > m.nextID {
		m.nextID = vault.ID
	}
	m.state.vaults[vault.ID] = vault
	return vault, nil
}

func (m *MemoryRepository) GetTellerDay(_ context.Context, tellerID int64, date time.Time) (TellerDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day, ok := m.state.days[dayKey{tellerID, BusinessDate(date)}]
	if !ok {
		return TellerDay{}, fmt.Errorf("%w: teller %d on %s", ErrTellerDayNotFound, tellerID, date.Format("2006-01-02"))
	}
	return day, nil
}

func (m *MemoryRepository) ListTellerDays(_ context.Context, branch string, date time.Time) ([]TellerDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	date = BusinessDate(date)
	var out []TellerDay
	for k, day := range m.state.days {
		if k.date.Equal(date) && (branch == "*" || day.BranchCode == branch) {
			out = append(out, day)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TellerID < out[j].TellerID })
	return out, nil
}

func (m *MemoryRepository) GetTransition(_ context.Context, code string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.state.transitions[code]
	if !ok {
		return Transition{}, fmt.Errorf("custody: transition %s: %w", code, shared.ErrNotFound)
	}
	return tr, nil
}

func (m *MemoryRepository) ListVariances(_ context.Context, tellerID int64, date time.Time) ([]Variance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variancesLocked(tellerID, date, ""), nil
}

func (m *MemoryRepository) variancesLocked(tellerID int64, date time.Time, status VarianceStatus) []Variance {
	date = BusinessDate(date)
	var out []Variance
	for _, v := range m.state.variances {
		if v.TellerID == tellerID && v.BusinessDate.Equal(date) && (status == "" || v.Status == status) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryRepository) ListHistory(_ context.Context, tellerID int64, date time.Time) ([]Provisioning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	date = BusinessDate(date)
	var out []Provisioning
	for _, p := range m.state.history {
		if p.TellerID == tellerID && p.BusinessDate.Equal(date) {
			out = append(out, p)
		}
	}
	return out, nil
}

type memoryTx struct {
	m *MemoryRepository
}

func (t memoryTx) LockTellerDay(ctx context.Context, tellerID int64, date time.Time) (TellerDay, error) {
	return t.m.GetTellerDay(ctx, tellerID, date)
}

func (t memoryTx) InsertTellerDay(_ context.Context, day TellerDay) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	key := dayKey{day.TellerID, BusinessDate(day.BusinessDate)}
	if _, exists := t.m.state.days[key]; exists {
		return fmt.Errorf("custody: teller day %d exists: %w", day.TellerID, shared.ErrConflict)
	}
	t.m.state.days[key] = day
	return nil
}

func (t memoryTx) UpdateTellerDay(_ context.Context, day TellerDay) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	key := dayKey{day.TellerID, BusinessDate(day.BusinessDate)}
	if _, exists := t.m.state.days[key]; !exists {
		return ErrTellerDayNotFound
	}
	t.m.state.days[key] = day
	return nil
}

func (t memoryTx) LockVault(ctx context.Context, id int64) (Vault, error) {
	return t.m.GetVault(ctx, id)
}

func (t memoryTx) UpdateVault(_ context.Context, vault Vault) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, exists := t.m.state.vaults[vault.ID]; !exists {
		return ErrVaultNotFound
	}
	t.m.state.vaults[vault.ID] = vault
	return nil
}

func (t memoryTx) InsertHistory(_ context.Context, p Provisioning) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.state.history = append(t.m.state.history, p)
	return nil
}

func (t memoryTx) SetHistoryStatus(_ context.Context, tellerID int64, date time.Time, status ProvisioningStatus) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	date = BusinessDate(date)
	for idx, p := range t.m.state.history {
		if p.TellerID == tellerID && p.BusinessDate.Equal(date) {
			t.m.state.history[idx].Status = status
		}
	}
	return nil
}

func (t memoryTx) InsertVariance(_ context.Context, v Variance) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.state.variances[v.ID] = v
	return nil
}

func (t memoryTx) PendingVariances(_ context.Context, tellerID int64, date time.Time) ([]Variance, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.variancesLocked(tellerID, date, VariancePendingSignOff), nil
}

func (t memoryTx) UpdateVariance(_ context.Context, v Variance) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, exists := t.m.state.variances[v.ID]; !exists {
		return fmt.Errorf("custody: variance %s: %w", v.ID, shared.ErrNotFound)
	}
	t.m.state.variances[v.ID] = v
	return nil
}

func (t memoryTx) InsertTransition(_ context.Context, tr Transition) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, exists := t.m.state.transitions[tr.Code]; exists {
		return fmt.Errorf("%w: %s", ErrCodeReplayed, tr.Code)
	}
	t.m.state.transitions[tr.Code] = tr
	return nil
}
