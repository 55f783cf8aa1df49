// Package audit persists the audit trail of day, ledger and custody actions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/corebank/internal/platform/db"
	"github.com/odyssey-erp/corebank/internal/shared"
)

const insertAuditLog = `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`

// ErrNotInitialised is returned when no pool or transaction is available.
var ErrNotInitialised = errors.New("audit: logger not initialised")

// Logger writes records into audit_logs. A record written inside a unit of work
// commits or rolls back with it.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger returns a Logger over pool.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Record persists the log entry.
func (l *Logger) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	if l == nil {
		return ErrNotInitialised
	}
	if _, inTx := db.TxFromContext(ctx); !inTx && l.pool == nil {
		return ErrNotInitialised
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	var at any
	if !log.At.IsZero() {
		at = log.At.UTC()
	}
	if _, err := db.Conn(ctx, l.pool).Exec(ctx, insertAuditLog, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at); err != nil {
		return fmt.Errorf("audit: record %s: %w", log.Action, err)
	}
	return nil
}
