package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/shared"
)

var fastPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetryRecoversFromSerializationFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		if calls < 2 {
			return &pgconn.PgError{Code: codeSerializationFailure}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryExhaustedReportsConcurrentModification(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return fmt.Errorf("update balance: %w", ErrStaleVersion)
	})
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestIsUniqueViolationMatchesConstraint(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "ledger_entry_sets_code_key"})
	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "ledger_entry_sets_code_key"))
	assert.False(t, IsUniqueViolation(err, "other"))
	assert.False(t, IsRetryable(err))
}
