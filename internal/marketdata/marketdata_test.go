package marketdata

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

func date(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestStaticProvider_ClipsAndSorts(t *testing.T) {
	p := NewStaticProvider()
	p.Add("spy", []domain.Bar{
		{Date: date("2020-01-03"), Close: 3},
		{Date: date("2020-01-01"), Close: 1},
		{Date: date("2020-01-02"), Close: 2},
		{Date: date("2020-01-05"), Close: 5},
	})

	s, err := p.DailyBars(context.Background(), "SPY", date("2020-01-02"), date("2020-01-03"))
	require.NoError(t, err)
	assert.Equal(t, "SPY", s.Symbol)
	assert.Equal(t, []float64{2, 3}, s.Closes())

	empty, err := p.DailyBars(context.Background(), "QQQ", date("2020-01-01"), date("2020-12-31"))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	_, ok, err := p.LookupAsset(context.Background(), "SPY")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSynthetic_DeterministicWeekdays(t *testing.T) {
	a := Synthetic(date("2021-01-01"), date("2021-03-01"), 100, 42)
	b := Synthetic(date("2021-01-01"), date("2021-03-01"), 100, 42)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)

	for _, bar := range a {
		assert.NotEqual(t, time.Saturday, bar.Date.Weekday())
		assert.NotEqual(t, time.Sunday, bar.Date.Weekday())
		assert.GreaterOrEqual(t, bar.High, bar.Close)
		assert.LessOrEqual(t, bar.Low, bar.Close)
	}
	assert.NoError(t, domain.PriceSeries{Bars: a}.Validate())
}

func TestSyntheticProvider_StablePerSymbol(t *testing.T) {
	start, end := date("2020-01-01"), date("2020-06-30")
	a := NewSyntheticProvider([]string{"spy", "AAPL"}, start, end)
	b := NewSyntheticProvider([]string{"AAPL"}, start, end)

	ctx := context.Background()
	fromA, err := a.DailyBars(ctx, "AAPL", start, end)
	require.NoError(t, err)
	fromB, err := b.DailyBars(ctx, "AAPL", start, end)
	require.NoError(t, err)
	require.NotEmpty(t, fromA.Bars)
	assert.Equal(t, fromA.Closes(), fromB.Closes())

	spy, err := a.DailyBars(ctx, "SPY", start, end)
	require.NoError(t, err)
	assert.NotEqual(t, spy.Closes(), fromA.Closes())

	_, found, err := b.LookupAsset(ctx, "SPY")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NotNil(t, NewSyntheticProvider(nil, start, end).bars["QQQ"])
}

type countingProvider struct {
	inner *StaticProvider
	calls atomic.Int32
}

func (c *countingProvider) DailyBars(ctx context.Context, symbol string, start, end time.Time) (domain.PriceSeries, error) {
	c.calls.Add(1)
	return c.inner.DailyBars(ctx, symbol, start, end)
}

func TestParquetCache_ReadThrough(t *testing.T) {
	dir := t.TempDir()
	inner := NewStaticProvider()
	inner.Add("AAPL", Synthetic(date("2019-01-01"), date("2021-12-31"), 50, 7))
	up := &countingProvider{inner: inner}

	cache := NewParquetCache(dir, up, zap.NewNop())
	cache.now = func() time.Time { return date("2021-06-01") }
	ctx := context.Background()

	first, err := cache.DailyBars(ctx, "aapl", date("2019-03-01"), date("2020-06-30"))
	require.NoError(t, err)
	require.NotZero(t, first.Len())
	assert.Equal(t, int32(1), up.calls.Load())

	_, err = os.Stat(filepath.Join(dir, "AAPL", "2019.parquet"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "AAPL", "2020.parquet"))
	require.NoError(t, err)

	second, err := cache.DailyBars(ctx, "AAPL", date("2019-03-01"), date("2020-06-30"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, first.Closes(), second.Closes())
	assert.Equal(t, first.Dates(), second.Dates())

	// The current year is never cached, so ranges touching it go upstream.
	_, err = cache.DailyBars(ctx, "AAPL", date("2020-12-01"), date("2021-02-01"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), up.calls.Load())
	_, err = os.Stat(filepath.Join(dir, "AAPL", "2021.parquet"))
	assert.True(t, os.IsNotExist(err))
}

func TestRankAssets(t *testing.T) {
	assets := []alpaca.Asset{
		{Symbol: "TSLA", Name: "Tesla, Inc. Common Stock", Tradable: true},
		{Symbol: "TSL", Name: "Other", Tradable: true},
		{Symbol: "TSLQ", Name: "Dead", Tradable: false},
		{Symbol: "XYZ", Name: "Block, Inc.", Tradable: true},
	}

	assert.Equal(t, []string{"TSL", "TSLA"}, rankAssets(assets, "tsl", 5))
	assert.Equal(t, []string{"TSLA"}, rankAssets(assets, "tesla", 5))
	assert.Equal(t, []string{"XYZ"}, rankAssets(assets, "block", 5))
	assert.Empty(t, rankAssets(assets, "", 5))
	assert.Len(t, rankAssets(assets, "ts", 1), 1)
}
