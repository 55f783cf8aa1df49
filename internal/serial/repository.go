package serial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

const codeConstraint = "transaction_codes_pkey"

// PGRepository stores counters in transaction_serials and codes in transaction_codes.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Reserve runs its own read-committed transaction so the counter row lock is held
// only for the increment and code insert.
func (r *PGRepository) Reserve(ctx context.Context, key Key, at time.Time, format func(int64) string) (Reservation, error) {
	if r == nil || r.pool == nil {
		return Reservation{}, errors.New("serial: repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Reservation{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var serial int64
	err = tx.QueryRow(ctx, `INSERT INTO transaction_serials (branch_code, business_date, prefix, operation_type, inter_branch, last_serial, updated_at)
VALUES ($1, $2, $3, $4, $5, 1, $6)
ON CONFLICT (branch_code, business_date, prefix, operation_type, inter_branch)
DO UPDATE SET last_serial = transaction_serials.last_serial + 1, updated_at = EXCLUDED.updated_at
RETURNING last_serial`, key.BranchCode, key.Date, key.Prefix, string(key.OperationType), key.InterBranch, at).Scan(&serial)
	if err != nil {
		return Reservation{}, err
	}

	res := Reservation{
		Code:       format(serial),
		Serial:     serial,
		Key:        key,
		Status:     StatusReserved,
		ReservedAt: at,
	}
	_, err = tx.Exec(ctx, `INSERT INTO transaction_codes (code, serial, branch_code, business_date, prefix, operation_type, inter_branch, status, reserved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		res.Code, res.Serial, key.BranchCode, key.Date, key.Prefix, string(key.OperationType), key.InterBranch, string(StatusReserved), at)
	if err != nil {
		if db.IsUniqueViolation(err, codeConstraint) {
			return Reservation{}, fmt.Errorf("serial: %s: %w", res.Code, ErrDuplicateCode)
		}
		return Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// SetStatus performs a conditional status update inside the transaction carried by ctx.
func (r *PGRepository) SetStatus(ctx context.Context, code string, from, to Status, reason string, at time.Time) error {
	var stmt string
	switch to {
	case StatusUsed:
		stmt = `UPDATE transaction_codes SET status = $3, used_at = $4 WHERE code = $1 AND status = $2`
	case StatusReverted:
		stmt = `UPDATE transaction_codes SET status = $3, reverted_at = $4, revert_reason = $5 WHERE code = $1 AND status = $2`
	default:
		return fmt.Errorf("serial: unsupported target status %s", to)
	}
	args := []any{code, string(from), string(to), at}
	if to == StatusReverted {
		args = append(args, reason)
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errStatusMismatch
	}
	return nil
}

// Get loads a code by value.
func (r *PGRepository) Get(ctx context.Context, code string) (Reservation, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT code, serial, branch_code, business_date, prefix, operation_type, inter_branch, status, reserved_at, used_at, reverted_at, COALESCE(revert_reason, '')
FROM transaction_codes WHERE code = $1`, code)
	var (
		res    Reservation
		opType string
		status string
	)
	err := row.Scan(&res.Code, &res.Serial, &res.Key.BranchCode, &res.Key.Date, &res.Key.Prefix, &opType, &res.Key.InterBranch, &status, &res.ReservedAt, &res.UsedAt, &res.RevertedAt, &res.RevertReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, fmt.Errorf("%w: %s", ErrCodeNotFound, code)
		}
		return Reservation{}, err
	}
	res.Key.OperationType = OperationType(opType)
	res.Status = Status(status)
	return res, nil
}

// CountReserved counts unsettled codes for a branch and date; "*" spans all branches.
func (r *PGRepository) CountReserved(ctx context.Context, branchCode string, date time.Time) (int, error) {
	var count int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM transaction_codes
WHERE business_date = $1 AND status = 'RESERVED' AND ($2 = '*' OR branch_code = $2)`, date, branchCode).Scan(&count)
	return count, err
}

// ListStale returns reserved codes issued before the cutoff.
func (r *PGRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT code FROM transaction_codes
WHERE status = 'RESERVED' AND reserved_at < $1 ORDER BY reserved_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}
