package accountingday

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

const dayColumns = `branch_code, business_date, status, is_centralized, opened_by, opened_at, closed_by, closed_at, reopened_by, reopened_at, COALESCE(reopen_reason, '')`

// PGRepository implements Repository using pgx.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn inside the transaction carried by ctx or a new repeatable-read one.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Get returns a day or ErrDayNotFound.
func (r *PGRepository) Get(ctx context.Context, branch string, date time.Time) (Day, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+dayColumns+` FROM accounting_days WHERE branch_code = $1 AND business_date = $2`, branch, date)
	return scanDay(row)
}

// List returns days in a date range ordered by date.
func (r *PGRepository) List(ctx context.Context, branch string, from, to time.Time) ([]Day, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+dayColumns+` FROM accounting_days
WHERE branch_code = $1 AND business_date BETWEEN $2 AND $3 ORDER BY business_date`, branch, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var days []Day
	for rows.Next() {
		day, err := scanDay(rows)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

func (r *txRepo) LockDay(ctx context.Context, branch string, date time.Time) (Day, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+dayColumns+` FROM accounting_days WHERE branch_code = $1 AND business_date = $2 FOR UPDATE`, branch, date)
	return scanDay(row)
}

func (r *txRepo) ShareDay(ctx context.Context, branch string, date time.Time) (Day, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+dayColumns+` FROM accounting_days WHERE branch_code = $1 AND business_date = $2 FOR SHARE`, branch, date)
	return scanDay(row)
}

func (r *txRepo) InsertDay(ctx context.Context, day Day) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO accounting_days (branch_code, business_date, status, is_centralized, opened_by, opened_at)
VALUES ($1, $2, $3, $4, $5, $6)`, day.BranchCode, day.Date, string(day.Status), day.IsCentralized, day.OpenedBy, day.OpenedAt)
	if db.IsUniqueViolation(err, "") {
		return ErrDayAlreadyOpen
	}
	return err
}

func (r *txRepo) UpdateDay(ctx context.Context, day Day) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounting_days SET status = $3, closed_by = $4, closed_at = $5, reopened_by = $6, reopened_at = $7, reopen_reason = NULLIF($8, '')
WHERE branch_code = $1 AND business_date = $2`,
		day.BranchCode, day.Date, string(day.Status), day.ClosedBy, day.ClosedAt, day.ReopenedBy, day.ReopenedAt, day.ReopenReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDayNotFound
	}
	return nil
}

func (r *txRepo) DeleteDay(ctx context.Context, branch string, date time.Time) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM accounting_days WHERE branch_code = $1 AND business_date = $2`, branch, date)
	return err
}

func (r *txRepo) CountEntrySets(ctx context.Context, branch string, date time.Time) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entry_sets WHERE entry_date = $2 AND ($1 = '*' OR branch_code = $1)`, branch, date).Scan(&count)
	return count, err
}

func scanDay(row pgx.Row) (Day, error) {
	var (
		day    Day
		status string
	)
	err := row.Scan(&day.BranchCode, &day.Date, &status, &day.IsCentralized, &day.OpenedBy, &day.OpenedAt,
		&day.ClosedBy, &day.ClosedAt, &day.ReopenedBy, &day.ReopenedAt, &day.ReopenReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Day{}, ErrDayNotFound
		}
		return Day{}, fmt.Errorf("accountingday: scan day: %w", err)
	}
	day.Status = Status(status)
	return day, nil
}
