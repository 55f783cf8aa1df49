// Package lock provides short-lived distributed mutexes backed by Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when the mutex could not be acquired within the configured tries.
var ErrLockBusy = errors.New("lock: resource busy")

// Release unlocks a held mutex.
type Release func(ctx context.Context) error

// Locker acquires named mutexes.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Options tunes mutex behaviour.
type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultOptions keeps the critical section short; custody commands only hold
// the lock around one database transaction.
func DefaultOptions() Options {
	return Options{
		Expiry:     10 * time.Second,
		Tries:      20,
		RetryDelay: 50 * time.Millisecond,
	}
}

// RedisLocker implements Locker with redsync.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts Options
}

// NewRedisLocker builds a RedisLocker on top of an existing client.
func NewRedisLocker(client *redis.Client, opts Options) *RedisLocker {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultOptions().Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = DefaultOptions().Tries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

// Acquire blocks until the mutex is held, tries are exhausted or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	if l == nil || l.rs == nil {
		return nil, errors.New("lock: locker not initialised")
	}
	if key == "" {
		return nil, errors.New("lock: key required")
	}
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLockBusy, key, err)
	}
	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("lock: unlock %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("lock: %s expired before unlock", key)
		}
		return nil
	}, nil
}

// NopLocker grants every lock immediately. Used when Redis is not configured.
type NopLocker struct{}

// Acquire implements Locker.
func (NopLocker) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}
