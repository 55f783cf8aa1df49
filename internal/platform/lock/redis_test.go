package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, tries int) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, Options{Expiry: 5 * time.Second, Tries: tries, RetryDelay: 5 * time.Millisecond})
}

func TestAcquireAndRelease(t *testing.T) {
	locker := newTestLocker(t, 1)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "custody:teller:1:20240601:lock")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "custody:teller:1:20240601:lock")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLockBusy))

	require.NoError(t, release(ctx))

	again, err := locker.Acquire(ctx, "custody:teller:1:20240601:lock")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	locker := newTestLocker(t, 1)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "custody:teller:1:20240601:lock")
	require.NoError(t, err)
	second, err := locker.Acquire(ctx, "custody:teller:2:20240601:lock")
	require.NoError(t, err)

	require.NoError(t, first(ctx))
	require.NoError(t, second(ctx))
}

func TestAcquireRequiresKey(t *testing.T) {
	locker := newTestLocker(t, 1)
	_, err := locker.Acquire(context.Background(), "")
	require.Error(t, err)
}
