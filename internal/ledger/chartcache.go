package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const chartCacheKey = "ledger:chart:v1"

// AccountLister loads the full chart of accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]Account, error)
}

// DirectChart builds the chart from the repository on every call, collapsing
// concurrent loads into one.
type DirectChart struct {
	repo  AccountLister
	group singleflight.Group
}

// NewDirectChart constructs a DirectChart.
func NewDirectChart(repo AccountLister) *DirectChart {
	return &DirectChart{repo: repo}
}

// Chart loads and indexes the accounts.
func (d *DirectChart) Chart(ctx context.Context) (*Chart, error) {
	v, err, _ := d.group.Do(chartCacheKey, func() (any, error) {
		accounts, err := d.repo.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		return BuildChart(accounts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chart), nil
}

// Invalidate is a no-op for the direct source.
func (d *DirectChart) Invalidate(context.Context) error { return nil }

// RedisChart caches the chart structure in Redis. Balances in the cached copy are
// stale and only used for pre-validation; postings re-read locked rows.
type RedisChart struct {
	client *redis.Client
	repo   AccountLister
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewRedisChart constructs a Redis-backed chart source.
func NewRedisChart(client *redis.Client, repo AccountLister, ttl time.Duration, logger *slog.Logger) *RedisChart {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChart{client: client, repo: repo, ttl: ttl, logger: logger}
}

// Chart returns the cached chart, loading it on a miss.
func (c *RedisChart) Chart(ctx context.Context) (*Chart, error) {
	if accounts, ok := c.cached(ctx); ok {
		return BuildChart(accounts)
	}
	ch := c.group.DoChan(chartCacheKey, func() (any, error) {
		accounts, err := c.repo.ListAccounts(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		chart, err := BuildChart(accounts)
		if err != nil {
			return nil, err
		}
		c.store(context.WithoutCancel(ctx), accounts)
		return chart, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Chart), nil
	}
}

// Invalidate drops the cached chart.
func (c *RedisChart) Invalidate(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, chartCacheKey).Err()
}

func (c *RedisChart) cached(ctx context.Context) ([]Account, bool) {
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, chartCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("chart cache read", slog.Any("error", err))
		}
		return nil, false
	}
	var accounts []Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		c.logger.Warn("chart cache decode", slog.Any("error", err))
		return nil, false
	}
	return accounts, true
}

func (c *RedisChart) store(ctx context.Context, accounts []Account) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(accounts)
	if err != nil {
		c.logger.Warn("chart cache encode", slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, chartCacheKey, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("chart cache write", slog.Any("error", err))
	}
}
