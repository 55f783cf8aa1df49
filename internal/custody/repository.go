package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/shared"
)

const (
	tellerColumns     = `id, code, name, branch_code, teller_type, COALESCE(till_account, ''), primary_teller_id, COALESCE(user_id, 0), active`
	vaultColumns      = `id, code, name, branch_code, vault_account, balance, updated_at`
	dayColumns        = `teller_id, business_date, branch_code, state, opening_float, cash_in, cash_out, balance, declared_amount, counted_amount, denominations, updated_at`
	historyColumns    = `id, code, kind, teller_id, business_date, vault_id, amount, denominations, status, entry_set_id, created_by, created_at`
	varianceColumns   = `id, teller_id, business_date, declared, counted, amount, status, entry_set_id, signoff_entry_set_id, signed_off_by, created_at, signed_off_at`
	transitionColumns = `code, command, teller_id, vault_id, business_date, COALESCE(from_state, ''), COALESCE(to_state, ''), entry_set_id, actor_id, occurred_at`

	tellerDayKey  = "custody_teller_days_pkey"
	transitionKey = "custody_transitions_pkey"
)

// PGRepository persists custody state with pgx.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx joins the transaction carried by ctx, typically the ledger posting, or opens one.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("custody repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *PGRepository) GetTeller(ctx context.Context, id int64) (Teller, error) {
	t, err := scanTeller(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+tellerColumns+` FROM custody_tellers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Teller{}, fmt.Errorf("%w: %d", ErrTellerNotFound, id)
	}
	return t, err
}

func (r *PGRepository) ListTellers(ctx context.Context, branch string) ([]Teller, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+tellerColumns+` FROM custody_tellers WHERE ($1 = '*' OR branch_code = $1) ORDER BY id`, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Teller
	for rows.Next() {
		t, err := scanTeller(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PGRepository) SaveTeller(ctx context.Context, t Teller) (Teller, error) {
	var userID *int64
	if t.UserID != 0 {
		userID = &t.UserID
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO custody_tellers (code, name, branch_code, teller_type, till_account, primary_teller_id, user_id, active)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, branch_code = EXCLUDED.branch_code, teller_type = EXCLUDED.teller_type,
	till_account = EXCLUDED.till_account, primary_teller_id = EXCLUDED.primary_teller_id, user_id = EXCLUDED.user_id, active = EXCLUDED.active
RETURNING id`, t.Code, t.Name, t.BranchCode, string(t.Type), t.TillAccount, t.PrimaryTellerID, userID, t.Active).Scan(&t.ID)
	return t, err
}

func (r *PGRepository) GetVault(ctx context.Context, id int64) (Vault, error) {
	v, err := scanVault(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+vaultColumns+` FROM custody_vaults WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Vault{}, fmt.Errorf("%w: %d", ErrVaultNotFound, id)
	}
	return v, err
}

func (r *PGRepository) ListVaults(ctx context.Context, branch string) ([]Vault, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+vaultColumns+` FROM custody_vaults WHERE ($1 = '*' OR branch_code = $1) ORDER BY id`, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PGRepository) SaveVault(ctx context.Context, v Vault) (Vault, error) {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO custody_vaults (code, name, branch_code, vault_account, balance, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, vault_account = EXCLUDED.vault_account, updated_at = EXCLUDED.updated_at
RETURNING id, balance`, v.Code, v.Name, v.BranchCode, v.VaultAccount, v.Balance, v.UpdatedAt).Scan(&v.ID, &v.Balance)
	return v, err
}

func (r *PGRepository) GetTellerDay(ctx context.Context, tellerID int64, date time.Time) (TellerDay, error) {
	day, err := scanDay(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+dayColumns+` FROM custody_teller_days WHERE teller_id = $1 AND business_date = $2`, tellerID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return TellerDay{}, fmt.Errorf("%w: teller %d on %s", ErrTellerDayNotFound, tellerID, date.Format("2006-01-02"))
	}
	return day, err
}

func (r *PGRepository) ListTellerDays(ctx context.Context, branch string, date time.Time) ([]TellerDay, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+dayColumns+` FROM custody_teller_days
WHERE business_date = $2 AND ($1 = '*' OR branch_code = $1) ORDER BY teller_id`, branch, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TellerDay
	for rows.Next() {
		day, err := scanDay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, day)
	}
	return out, rows.Err()
}

func (r *PGRepository) GetTransition(ctx context.Context, code string) (Transition, error) {
	tr, err := scanTransition(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+transitionColumns+` FROM custody_transitions WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transition{}, fmt.Errorf("custody: transition %s: %w", code, shared.ErrNotFound)
	}
	return tr, err
}

func (r *PGRepository) ListVariances(ctx context.Context, tellerID int64, date time.Time) ([]Variance, error) {
	return queryVariances(ctx, db.Conn(ctx, r.pool), `SELECT `+varianceColumns+` FROM custody_variances
WHERE teller_id = $1 AND business_date = $2 ORDER BY created_at`, tellerID, date)
}

func (r *PGRepository) ListHistory(ctx context.Context, tellerID int64, date time.Time) ([]Provisioning, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+historyColumns+` FROM custody_provisionings
WHERE teller_id = $1 AND business_date = $2 ORDER BY created_at`, tellerID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Provisioning
	for rows.Next() {
		var p Provisioning
		var kind, status string
		var denominations []byte
		if err := rows.Scan(&p.ID, &p.Code, &kind, &p.TellerID, &p.BusinessDate, &p.VaultID, &p.Amount, &denominations, &status, &p.EntrySetID, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Denominations = denominations
		p.Kind = HandOverKind(kind)
		p.Status = ProvisioningStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepository) LockTellerDay(ctx context.Context, tellerID int64, date time.Time) (TellerDay, error) {
	day, err := scanDay(r.tx.QueryRow(ctx, `SELECT `+dayColumns+` FROM custody_teller_days WHERE teller_id = $1 AND business_date = $2 FOR UPDATE`, tellerID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return TellerDay{}, fmt.Errorf("%w: teller %d on %s", ErrTellerDayNotFound, tellerID, date.Format("2006-01-02"))
	}
	return day, err
}

// InsertTellerDay reports a concurrent insert of the same day as a stale version so
// the posting is retried and finds the row.
func (r *txRepository) InsertTellerDay(ctx context.Context, d TellerDay) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO custody_teller_days (`+dayColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.TellerID, d.BusinessDate, d.BranchCode, string(d.State), d.OpeningFloat, d.CashIn, d.CashOut, d.Balance, d.DeclaredAmount, d.CountedAmount, nullJSON(d.Denominations), d.UpdatedAt)
	if db.IsUniqueViolation(err, tellerDayKey) {
		return fmt.Errorf("custody: teller day %d: %w", d.TellerID, db.ErrStaleVersion)
	}
	return err
}

func (r *txRepository) UpdateTellerDay(ctx context.Context, d TellerDay) error {
	tag, err := r.tx.Exec(ctx, `UPDATE custody_teller_days SET state = $3, opening_float = $4, cash_in = $5, cash_out = $6, balance = $7,
	declared_amount = $8, counted_amount = $9, denominations = $10, updated_at = $11
WHERE teller_id = $1 AND business_date = $2`,
		d.TellerID, d.BusinessDate, string(d.State), d.OpeningFloat, d.CashIn, d.CashOut, d.Balance, d.DeclaredAmount, d.CountedAmount, nullJSON(d.Denominations), d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTellerDayNotFound
	}
	return nil
}

func (r *txRepository) LockVault(ctx context.Context, id int64) (Vault, error) {
	v, err := scanVault(r.tx.QueryRow(ctx, `SELECT `+vaultColumns+` FROM custody_vaults WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Vault{}, fmt.Errorf("%w: %d", ErrVaultNotFound, id)
	}
	return v, err
}

func (r *txRepository) UpdateVault(ctx context.Context, v Vault) error {
	_, err := r.tx.Exec(ctx, `UPDATE custody_vaults SET balance = $2, updated_at = $3 WHERE id = $1`, v.ID, v.Balance, v.UpdatedAt)
	return err
}

func (r *txRepository) InsertHistory(ctx context.Context, p Provisioning) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO custody_provisionings (`+historyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.Code, string(p.Kind), p.TellerID, p.BusinessDate, p.VaultID, p.Amount, nullJSON(p.Denominations), string(p.Status), p.EntrySetID, p.CreatedBy, p.CreatedAt)
	return err
}

func (r *txRepository) SetHistoryStatus(ctx context.Context, tellerID int64, date time.Time, status ProvisioningStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE custody_provisionings SET status = $3 WHERE teller_id = $1 AND business_date = $2`, tellerID, date, string(status))
	return err
}

func (r *txRepository) InsertVariance(ctx context.Context, v Variance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO custody_variances (`+varianceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.TellerID, v.BusinessDate, v.Declared, v.Counted, v.Amount, string(v.Status), v.EntrySetID, v.SignOffEntrySetID, v.SignedOffBy, v.CreatedAt, v.SignedOffAt)
	return err
}

func (r *txRepository) PendingVariances(ctx context.Context, tellerID int64, date time.Time) ([]Variance, error) {
	return queryVariances(ctx, r.tx, `SELECT `+varianceColumns+` FROM custody_variances
WHERE teller_id = $1 AND business_date = $2 AND status = 'PENDING_SIGNOFF' ORDER BY created_at FOR UPDATE`, tellerID, date)
}

func (r *txRepository) UpdateVariance(ctx context.Context, v Variance) error {
	_, err := r.tx.Exec(ctx, `UPDATE custody_variances SET status = $2, signoff_entry_set_id = $3, signed_off_by = $4, signed_off_at = $5 WHERE id = $1`,
		v.ID, string(v.Status), v.SignOffEntrySetID, v.SignedOffBy, v.SignedOffAt)
	return err
}

func (r *txRepository) InsertTransition(ctx context.Context, t Transition) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO custody_transitions (code, command, teller_id, vault_id, business_date, from_state, to_state, entry_set_id, actor_id, occurred_at) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)`,
		t.Code, string(t.Command), t.TellerID, t.VaultID, t.BusinessDate, string(t.FromState), string(t.ToState), t.EntrySetID, t.ActorID, t.At)
	if db.IsUniqueViolation(err, transitionKey) {
		return fmt.Errorf("%w: %s", ErrCodeReplayed, t.Code)
	}
	return err
}

func queryVariances(ctx context.Context, q db.Querier, sql string, args ...any) ([]Variance, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Variance
	for rows.Next() {
		var v Variance
		var status string
		if err := rows.Scan(&v.ID, &v.TellerID, &v.BusinessDate, &v.Declared, &v.Counted, &v.Amount, &status, &v.EntrySetID, &v.SignOffEntrySetID, &v.SignedOffBy, &v.CreatedAt, &v.SignedOffAt); err != nil {
			return nil, err
		}
		v.Status = VarianceStatus(status)
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanTeller(row pgx.Row) (Teller, error) {
	var t Teller
	var kind string
	if err := row.Scan(&t.ID, &t.Code, &t.Name, &t.BranchCode, &kind, &t.TillAccount, &t.PrimaryTellerID, &t.UserID, &t.Active); err != nil {
		return Teller{}, err
	}
	t.Type = TellerType(kind)
	return t, nil
}

func scanVault(row pgx.Row) (Vault, error) {
	var v Vault
	err := row.Scan(&v.ID, &v.Code, &v.Name, &v.BranchCode, &v.VaultAccount, &v.Balance, &v.UpdatedAt)
	return v, err
}

func scanDay(row pgx.Row) (TellerDay, error) {
	var d TellerDay
	var state string
	var denominations []byte
	if err := row.Scan(&d.TellerID, &d.BusinessDate, &d.BranchCode, &state, &d.OpeningFloat, &d.CashIn, &d.CashOut, &d.Balance, &d.DeclaredAmount, &d.CountedAmount, &denominations, &d.UpdatedAt); err != nil {
		return TellerDay{}, err
	}
	d.State = DayState(state)
	d.Denominations = denominations
	return d, nil
}

func scanTransition(row pgx.Row) (Transition, error) {
	var t Transition
	var cmd, from, to string
	if err := row.Scan(&t.Code, &cmd, &t.TellerID, &t.VaultID, &t.BusinessDate, &from, &to, &t.EntrySetID, &t.ActorID, &t.At); err != nil {
		return Transition{}, err
	}
	t.Command = Command(cmd)
	t.FromState = DayState(from)
	t.ToState = DayState(to)
	return t, nil
}

// nullJSON stores absent breakdowns as SQL NULL and everything else verbatim.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
