package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

const (
	accountColumns = `account_number, COALESCE(parent_number, ''), name, currency, is_debit_normal, is_balance_account, is_postable, can_be_negative, COALESCE(branch_code, ''), balance, version`
	setColumns     = `id, code, COALESCE(reference_id, ''), COALESCE(bank_id, ''), branch_code, entry_date, value_date, currency, status, reversal_of, reversed_by, posted_by, posted_at, COALESCE(memo, ''), checksum`

	entryCodeConstraint = "ledger_entry_sets_code_key"
)

// PGRepository persists ledger entities.
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

// WithTx executes fn within the context transaction or a new repeatable-read one.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListAccounts returns the chart of accounts.
func (r *PGRepository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts ORDER BY account_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetAccount returns one account.
func (r *PGRepository) GetAccount(ctx context.Context, number string) (Account, error) {
	acc, err := scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE account_number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, number)
	}
	return acc, err
}

// GetEntrySet loads a set with its legs.
func (r *PGRepository) GetEntrySet(ctx context.Context, id uuid.UUID) (EntrySet, error) {
	q := db.Conn(ctx, r.pool)
	set, err := scanEntrySet(q.QueryRow(ctx, `SELECT `+setColumns+` FROM ledger_entry_sets WHERE id = $1`, id))
	if err != nil {
		return EntrySet{}, err
	}
	set.Legs, err = loadLegs(ctx, q, set.ID)
	return set, err
}

// ListByReference returns sets sharing a reference, oldest first.
func (r *PGRepository) ListByReference(ctx context.Context, referenceID string) ([]EntrySet, error) {
	return r.listSets(ctx, `SELECT `+setColumns+` FROM ledger_entry_sets WHERE reference_id = $1 ORDER BY posted_at, code`, referenceID)
}

// ListByDate returns sets dated on the business date.
func (r *PGRepository) ListByDate(ctx context.Context, date time.Time) ([]EntrySet, error) {
	return r.listSets(ctx, `SELECT `+setColumns+` FROM ledger_entry_sets WHERE entry_date = $1 ORDER BY posted_at, code`, date)
}

func (r *PGRepository) listSets(ctx context.Context, query string, arg any) ([]EntrySet, error) {
	q := db.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	var sets []EntrySet
	for rows.Next() {
		set, err := scanEntrySet(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sets = append(sets, set)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sets {
		if sets[i].Legs, err = loadLegs(ctx, q, sets[i].ID); err != nil {
			return nil, err
		}
	}
	return sets, nil
}

// SumLegsByAccount returns, per account, the signed sum of all legs on its normal side.
func (r *PGRepository) SumLegsByAccount(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT l.account_number,
	SUM(CASE WHEN (l.side = 'DEBIT') = a.is_debit_normal THEN l.amount ELSE -l.amount END)
FROM ledger_legs l JOIN ledger_accounts a ON a.account_number = l.account_number
GROUP BY l.account_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			number string
			total  decimal.Decimal
		)
		if err := rows.Scan(&number, &total); err != nil {
			return nil, err
		}
		sums[number] = total
	}
	return sums, rows.Err()
}

func (r *txRepository) LockAccounts(ctx context.Context, numbers []string) (map[string]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE account_number = ANY($1) ORDER BY account_number FOR UPDATE`, numbers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Account, len(numbers))
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[acc.Number] = acc
	}
	return out, rows.Err()
}

func (r *txRepository) InsertEntrySet(ctx context.Context, set EntrySet) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_entry_sets (id, code, reference_id, bank_id, branch_code, entry_date, value_date, currency, status, reversal_of, posted_by, posted_at, memo, checksum)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14)`,
		set.ID, set.Code, set.ReferenceID, set.BankID, set.BranchCode, set.EntryDate, set.ValueDate, set.Currency,
		string(set.Status), set.ReversalOf, set.PostedBy, set.PostedAt, set.Memo, set.Checksum)
	if err != nil {
		if db.IsUniqueViolation(err, entryCodeConstraint) {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, set.Code)
		}
		return err
	}
	batch := &pgx.Batch{}
	for _, leg := range set.Legs {
		batch.Queue(`INSERT INTO ledger_legs (entry_set_id, seq, account_number, side, amount, running_balance) VALUES ($1, $2, $3, $4, $5, $6)`,
			set.ID, leg.Seq, leg.AccountNumber, string(leg.Side), leg.Amount, leg.RunningBalance)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) UpdateBalance(ctx context.Context, number string, balance decimal.Decimal, version int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledger_accounts SET balance = $2, version = version + 1, updated_at = NOW() WHERE account_number = $1 AND version = $3`, number, balance, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: account %s: %w", number, db.ErrStaleVersion)
	}
	return nil
}

func (r *txRepository) GetEntrySetForUpdate(ctx context.Context, id uuid.UUID) (EntrySet, error) {
	set, err := scanEntrySet(r.tx.QueryRow(ctx, `SELECT `+setColumns+` FROM ledger_entry_sets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return EntrySet{}, err
	}
	set.Legs, err = loadLegs(ctx, r.tx, set.ID)
	return set, err
}

func (r *txRepository) MarkReversed(ctx context.Context, id, reversedBy uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledger_entry_sets SET status = 'REVERSED', reversed_by = $2 WHERE id = $1 AND status = 'POSTED'`, id, reversedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReversed
	}
	return nil
}

func loadLegs(ctx context.Context, q db.Querier, setID uuid.UUID) ([]Leg, error) {
	rows, err := q.Query(ctx, `SELECT seq, account_number, side, amount, running_balance FROM ledger_legs WHERE entry_set_id = $1 ORDER BY seq`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var legs []Leg
	for rows.Next() {
		var (
			leg  Leg
			side string
		)
		if err := rows.Scan(&leg.Seq, &leg.AccountNumber, &side, &leg.Amount, &leg.RunningBalance); err != nil {
			return nil, err
		}
		leg.Side = Side(side)
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var acc Account
	err := row.Scan(&acc.Number, &acc.ParentNumber, &acc.Name, &acc.Currency, &acc.IsDebitNormal, &acc.IsBalanceAccount,
		&acc.IsPostable, &acc.CanBeNegative, &acc.BranchCode, &acc.Balance, &acc.Version)
	return acc, err
}

func scanEntrySet(row pgx.Row) (EntrySet, error) {
	var (
		set    EntrySet
		status string
	)
	err := row.Scan(&set.ID, &set.Code, &set.ReferenceID, &set.BankID, &set.BranchCode, &set.EntryDate, &set.ValueDate,
		&set.Currency, &status, &set.ReversalOf, &set.ReversedBy, &set.PostedBy, &set.PostedAt, &set.Memo, &set.Checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EntrySet{}, ErrEntrySetNotFound
		}
		return EntrySet{}, err
	}
	set.Status = EntryStatus(status)
	return set, nil
}
