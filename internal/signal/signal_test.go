package signal

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/indicator"
)

var nan = math.NaN()

func pricesFrom(closes []float64) domain.PriceSeries {
	start := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Date: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c}
	}
	return domain.PriceSeries{Symbol: "TEST", Bars: bars}
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func TestCrossAbove(t *testing.T) {
	a := []float64{1, 2, 3, 2, 4}
	b := []float64{2, 2, 2, 2, 2}

	assert.Equal(t, []bool{false, false, true, false, true}, CrossAbove(a, b))
	assert.Equal(t, []bool{false, false, false, false, false}, CrossBelow(a, b))
}

func TestCrossBelow(t *testing.T) {
	a := []float64{3, 2, 1, 3, 1}
	b := []float64{2, 2, 2, 2, 2}

	assert.Equal(t, []bool{false, false, true, false, true}, CrossBelow(a, b))
}

func TestCross_WarmUpBoundary(t *testing.T) {
	a := []float64{nan, 5, 6, 7}
	b := []float64{nan, nan, 4, 5}

	assert.Equal(t, []bool{false, false, true, false}, CrossAbove(a, b))
	assert.Equal(t, []bool{false, false, false, false}, CrossBelow(a, b))
}

func TestCross_FirstBarNeverFires(t *testing.T) {
	assert.Equal(t, []bool{false, false}, CrossAbove([]float64{5, 6}, []float64{1, 1}))
}

func TestCross_NeverSimultaneous(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := make([]float64, 500)
	b := make([]float64, 500)
	for i := range a {
		a[i] = float64(rng.Intn(5))
		b[i] = float64(rng.Intn(5))
		if rng.Intn(20) == 0 {
			a[i] = nan
		}
	}

	above := CrossAbove(a, b)
	below := CrossBelow(a, b)
	for i := range above {
		assert.False(t, above[i] && below[i], "index %d", i)
	}
}

func TestCompare(t *testing.T) {
	a := []float64{1, 2, 3, nan}
	b := []float64{2, 2, 2, 2}

	tests := map[domain.OperatorKind][]bool{
		domain.OperatorGreaterThan: {false, false, true, false},
		domain.OperatorLessThan:    {true, false, false, false},
		domain.OperatorEqualTo:     {false, true, false, false},
		domain.OperatorGreaterEq:   {false, true, true, false},
		domain.OperatorLessEq:      {true, true, false, false},
	}
	for op, want := range tests {
		assert.Equal(t, want, Compare(op, a, b), string(op))
	}
}

func TestEvaluate_GoldenCrossOnRisingSeries(t *testing.T) {
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	prices := pricesFrom(closes)
	specs := []domain.IndicatorSpec{
		{ID: "SMA5", Kind: domain.IndicatorSMA, Params: domain.IndicatorParams{Period: 5}},
		{ID: "SMA20", Kind: domain.IndicatorSMA, Params: domain.IndicatorParams{Period: 20}},
	}
	set, err := indicator.Compute(prices, specs)
	require.NoError(t, err)

	entry := domain.Condition{
		Left:     domain.IndicatorOperand("SMA5", indicator.OutputMA),
		Operator: domain.OperatorCrossAbove,
		Right:    domain.IndicatorOperand("SMA20", indicator.OutputMA),
	}
	exit := domain.Condition{
		Left:     domain.IndicatorOperand("SMA5", indicator.OutputMA),
		Operator: domain.OperatorCrossBelow,
		Right:    domain.IndicatorOperand("SMA20", indicator.OutputMA),
	}

	sig, err := Evaluate(prices, set, entry, exit)
	require.NoError(t, err)

	require.Len(t, sig.Entry, prices.Len())
	require.Len(t, sig.Exit, prices.Len())
	assert.Equal(t, 1, countTrue(sig.Entry))
	assert.True(t, sig.Entry[19])
	assert.Equal(t, 0, countTrue(sig.Exit))
}

func TestEvaluate_ConstantsAndPrices(t *testing.T) {
	prices := pricesFrom([]float64{10, 20, 30})

	entry := domain.Condition{Left: domain.PriceOperand(domain.PriceClose), Operator: domain.OperatorGreaterThan, Right: domain.ConstantOperand(15)}
	exit := domain.Condition{Left: domain.PriceOperand(domain.PriceClose), Operator: domain.OperatorCrossAbove, Right: domain.ConstantOperand(25)}

	sig, err := Evaluate(prices, indicator.Set{}, entry, exit)
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true, true}, sig.Entry)
	assert.Equal(t, []bool{false, false, true}, sig.Exit)
}

func TestEvaluate_UnresolvableReference(t *testing.T) {
	prices := pricesFrom([]float64{1, 2})
	cond := domain.Condition{
		Left:     domain.IndicatorOperand("MISSING", "ma"),
		Operator: domain.OperatorGreaterThan,
		Right:    domain.ConstantOperand(1),
	}

	_, err := Evaluate(prices, indicator.Set{}, cond, cond)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "entry rule")
}

func TestToInts(t *testing.T) {
	assert.Equal(t, []int{0, 1, 0}, ToInts([]bool{false, true, false}))
}
