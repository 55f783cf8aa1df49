package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// ErrStaleVersion marks an optimistic version check that matched no row.
var ErrStaleVersion = errors.New("platform/db: stale row version")

// RetryPolicy bounds transaction retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// Retry runs fn until it succeeds, fails with a non-retryable error or attempts are
// exhausted, which is reported as shared.ErrConcurrentModification. When ctx already
// carries a transaction fn runs once; the owner of that transaction retries.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.BaseDelay
	if policy.MaxDelay > 0 {
		exp.MaxInterval = policy.MaxDelay
	}
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1)), ctx)

	attempts := 0
	var last error
	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsRetryable(err) || errors.Is(err, ErrStaleVersion) {
			last = err
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err == nil {
		return nil
	}
	if last != nil && errors.Is(err, last) {
		return fmt.Errorf("%w after %d attempts: %v", shared.ErrConcurrentModification, attempts, last)
	}
	return err
}
