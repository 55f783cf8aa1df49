package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChartDetectsStructuralErrors(t *testing.T) {
	_, err := BuildChart([]Account{{Number: "1"}, {Number: "1"}})
	require.ErrorIs(t, err, ErrInvalidChart)

	_, err = BuildChart([]Account{{Number: "11", ParentNumber: "10"}})
	require.ErrorIs(t, err, ErrInvalidChart)

	_, err = BuildChart([]Account{
		{Number: "1"},
		{Number: "2", ParentNumber: "3"},
		{Number: "3", ParentNumber: "2"},
	})
	require.ErrorIs(t, err, ErrInvalidChart)
}

func TestChartLeavesAndRollUp(t *testing.T) {
	chart, err := BuildChart([]Account{
		{Number: "1000", IsDebitNormal: true},
		{Number: "1100", ParentNumber: "1000", IsDebitNormal: true, IsPostable: true},
		{Number: "1200", ParentNumber: "1000", IsDebitNormal: true, IsPostable: true},
		{Number: "1210", ParentNumber: "1200", IsDebitNormal: true, IsPostable: true, Balance: decimal.NewFromInt(40)},
		{Number: "1300", ParentNumber: "1000", IsDebitNormal: false, IsPostable: true, Balance: decimal.NewFromInt(15)},
		{Number: "1101", ParentNumber: "1100", IsDebitNormal: true, IsPostable: true, Balance: decimal.NewFromInt(100)},
	})
	require.NoError(t, err)

	assert.False(t, chart.IsPostingLeaf("1000"))
	assert.False(t, chart.IsPostingLeaf("1100"))
	assert.True(t, chart.IsPostingLeaf("1101"))
	assert.False(t, chart.IsPostingLeaf("missing"))

	totals := chart.RollUp()
	assert.True(t, totals["1100"].Equal(decimal.NewFromInt(100)))
	assert.True(t, totals["1200"].Equal(decimal.NewFromInt(40)))
	// Contra account 1300 reduces its debit-normal parent.
	assert.True(t, totals["1000"].Equal(decimal.NewFromInt(125)))
}

type countingLister struct {
	accounts []Account
	calls    atomic.Int32
}

func (c *countingLister) ListAccounts(context.Context) ([]Account, error) {
	c.calls.Add(1)
	return c.accounts, nil
}

func TestRedisChartCachesStructure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lister := &countingLister{accounts: testAccounts()}
	cache := NewRedisChart(client, lister, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	chart, err := cache.Chart(ctx)
	require.NoError(t, err)
	assert.True(t, chart.IsPostingLeaf("2010"))
	assert.True(t, mr.Exists(chartCacheKey))

	chart, err = cache.Chart(ctx)
	require.NoError(t, err)
	acc, ok := chart.Account("1010")
	require.True(t, ok)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(500000)))
	assert.Equal(t, int32(1), lister.calls.Load())

	require.NoError(t, cache.Invalidate(ctx))
	_, err = cache.Chart(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), lister.calls.Load())

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(chartCacheKey))
}

func TestMinorUnits(t *testing.T) {
	scale, err := MinorUnits("XAF")
	require.NoError(t, err)
	assert.Equal(t, 0, scale)
	scale, err = MinorUnits("usd")
	require.NoError(t, err)
	assert.Equal(t, 2, scale)
	_, err = MinorUnits("")
	require.Error(t, err)
}
