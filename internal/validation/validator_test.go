package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/registry"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
)

type stubTickers struct {
	known map[string]bool
	err   error
}

func (s stubTickers) Validate(ctx context.Context, symbol string) (ticker.Resolution, error) {
	if s.err != nil {
		return ticker.Resolution{}, s.err
	}
	if s.known[symbol] {
		return ticker.Resolution{Valid: true, ResolvedSymbol: symbol}, nil
	}
	return ticker.Resolution{Valid: false, Reason: "not found", Suggestion: ticker.SuggestFromName(symbol)}, nil
}

func newValidator() *Validator {
	return New(registry.Default(), stubTickers{known: map[string]bool{"AAPL": true, "SPY": true}}, DefaultDefaults())
}

func goldenCross() domain.CandidateStrategy {
	return domain.CandidateStrategy{
		Ticker: domain.StringPtr("aapl"),
		Indicators: []domain.CandidateIndicator{
			{ID: "SMA50", Name: "SMA", Params: map[string]any{"window": 50.0, "column": "Close"}},
			{ID: "SMA200", Name: "sma", Params: map[string]any{"period": 200}},
		},
		EntryRule: &domain.CandidateRule{Left: "SMA50.ma", Operator: "cross_above", Right: "SMA200.ma"},
		ExitRule:  &domain.CandidateRule{Left: "sma50", Operator: "crosses below", Right: "SMA200"},
	}
}

func TestValidate_ValidStrategyIsNormalized(t *testing.T) {
	s, err := newValidator().Validate(context.Background(), goldenCross())
	require.NoError(t, err)

	assert.Equal(t, "AAPL", s.Ticker)
	require.Len(t, s.Indicators, 2)
	assert.Equal(t, domain.IndicatorSpec{ID: "SMA50", Kind: domain.IndicatorSMA, Params: domain.IndicatorParams{Period: 50}}, s.Indicators[0])
	assert.Equal(t, 200, s.Indicators[1].Params.Period)

	assert.Equal(t, domain.OperatorCrossAbove, s.EntryRule.Operator)
	assert.Equal(t, domain.IndicatorOperand("SMA50", "ma"), s.EntryRule.Left)
	assert.Equal(t, domain.OperatorCrossBelow, s.ExitRule.Operator)
	assert.Equal(t, domain.IndicatorOperand("SMA50", "ma"), s.ExitRule.Left)
	assert.Equal(t, domain.IndicatorOperand("SMA200", "ma"), s.ExitRule.Right)

	assert.Equal(t, "2010-01-01", s.StartDate.Format(domain.DateLayout))
	assert.Equal(t, "2025-01-01", s.EndDate.Format(domain.DateLayout))
	assert.Equal(t, 100000.0, s.InitialCash)
	assert.Equal(t, 0.001, s.FeeRate)
}

func TestValidate_UnknownIndicatorOnly(t *testing.T) {
	c := goldenCross()
	c.Indicators[1].Name = "ICHIMOKU"

	_, err := newValidator().Validate(context.Background(), c)
	require.Error(t, err)

	defects, ok := domain.AsValidationDefects(err)
	require.True(t, ok)
	require.Len(t, defects, 1)
	assert.Equal(t, domain.DefectIndicatorUnknown, defects[0].Code)
	assert.Equal(t, "indicators[1].name", defects[0].Field)
}

func TestValidate_CollectsAllDefectsInOrder(t *testing.T) {
	c := goldenCross()
	c.Ticker = domain.StringPtr("ZZZZ")
	c.Indicators[1].Name = "ICHIMOKU"
	c.StartDate = domain.StringPtr("2024-01-01")
	c.EndDate = domain.StringPtr("2020-01-01")

	_, err := newValidator().Validate(context.Background(), c)

	defects, ok := domain.AsValidationDefects(err)
	require.True(t, ok)
	assert.Equal(t, []domain.DefectCode{
		domain.DefectTickerUnresolved,
		domain.DefectIndicatorUnknown,
		domain.DefectDateRange,
	}, defects.Codes())
}

func TestValidate_EverythingWrong(t *testing.T) {
	c := domain.CandidateStrategy{
		Ticker: domain.StringPtr("not a ticker!"),
		Indicators: []domain.CandidateIndicator{
			{ID: "R", Name: "RSI", Params: map[string]any{"period": -3}},
			{ID: "M", Name: "MACD", Params: map[string]any{"fast": 30, "slow": 10}},
			{ID: "R", Name: "EMA", Params: map[string]any{"period": 5}},
			{Name: "SMA", Params: map[string]any{"period": 2.5}},
			{Name: "SMA", Params: map[string]any{"period": "abc"}},
			{Name: "SMA"},
		},
		EntryRule:   &domain.CandidateRule{Left: "R.rsi", Operator: "approximately", Right: 30},
		ExitRule:    &domain.CandidateRule{Left: "NOPE", Operator: "gt", Right: "M.upper"},
		StartDate:   domain.StringPtr("yesterday"),
		InitialCash: domain.Float64Ptr(-5),
		FeeRate:     domain.Float64Ptr(1.5),
	}

	_, err := newValidator().Validate(context.Background(), c)

	defects, ok := domain.AsValidationDefects(err)
	require.True(t, ok)
	assert.Equal(t, []domain.DefectCode{
		domain.DefectTickerFormat,
		domain.DefectParamInvalid, // RSI period -3
		domain.DefectParamInvalid, // MACD fast >= slow
		domain.DefectIndicatorDupID,
		domain.DefectParamInvalid, // period 2.5
		domain.DefectParamInvalid, // period "abc"
		domain.DefectParamMissing,
		domain.DefectOperatorUnknown,
		domain.DefectReferenceUnknown,
		domain.DefectOutputUnknown,
		domain.DefectDateInvalid,
		domain.DefectInitialCash,
		domain.DefectFeeRate,
	}, defects.Codes())
}

func TestValidate_MissingEverything(t *testing.T) {
	_, err := newValidator().Validate(context.Background(), domain.CandidateStrategy{})

	defects, ok := domain.AsValidationDefects(err)
	require.True(t, ok)
	assert.Equal(t, []domain.DefectCode{
		domain.DefectTickerMissing,
		domain.DefectIndicatorsMissing,
		domain.DefectRuleMissing,
		domain.DefectRuleMissing,
	}, defects.Codes())
}

func TestValidate_SuggestionsAttached(t *testing.T) {
	c := goldenCross()
	c.Ticker = domain.StringPtr("tesla")
	c.Indicators[0].Name = "SMAA"
	c.EntryRule.Operator = "greater_thn"

	_, err := newValidator().Validate(context.Background(), c)
	defects, ok := domain.AsValidationDefects(err)
	require.True(t, ok)
	require.Len(t, defects, 3)

	assert.Equal(t, "TSLA", defects[0].Suggestion)
	assert.Equal(t, "SMA", defects[1].Suggestion)
	assert.Equal(t, "greater_than", defects[2].Suggestion)
}

func TestValidate_DefaultIDsAndDefaults(t *testing.T) {
	c := domain.CandidateStrategy{
		Ticker: domain.StringPtr("SPY"),
		Indicators: []domain.CandidateIndicator{
			{Name: "bb", Params: map[string]any{"window": 20}},
			{Name: "MACD"},
			{Name: "RSI", Params: map[string]any{"length": "14"}},
		},
		EntryRule: &domain.CandidateRule{Left: "close", Operator: "lt", Right: "BB20.lower"},
		ExitRule:  &domain.CandidateRule{Left: "RSI14", Operator: ">", Right: "70"},
	}

	s, err := newValidator().Validate(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, "BB20", s.Indicators[0].ID)
	assert.Equal(t, 2.0, s.Indicators[0].Params.NumStdDev)
	assert.Equal(t, "MACD", s.Indicators[1].ID)
	assert.Equal(t, domain.IndicatorParams{Fast: 12, Slow: 26, Signal: 9}, s.Indicators[1].Params)
	assert.Equal(t, "RSI14", s.Indicators[2].ID)
	assert.Equal(t, 14, s.Indicators[2].Params.Period)

	assert.Equal(t, domain.PriceOperand(domain.PriceClose), s.EntryRule.Left)
	assert.Equal(t, domain.IndicatorOperand("RSI14", "rsi"), s.ExitRule.Left)
	assert.Equal(t, domain.ConstantOperand(70), s.ExitRule.Right)
}

func TestValidate_TickerServiceFailureIsNotADefect(t *testing.T) {
	svcErr := domain.NewExternalServiceError("market_data", "asset lookup", errors.New("timeout"))
	v := New(registry.Default(), stubTickers{err: svcErr}, DefaultDefaults())

	_, err := v.Validate(context.Background(), goldenCross())
	require.Error(t, err)
	assert.True(t, domain.IsExternalServiceError(err))
	_, isDefects := domain.AsValidationDefects(err)
	assert.False(t, isDefects)
}

func TestDefaultIndicatorID(t *testing.T) {
	assert.Equal(t, "SMA50", DefaultIndicatorID(domain.IndicatorSMA, domain.IndicatorParams{Period: 50}))
	assert.Equal(t, "EMA9", DefaultIndicatorID(domain.IndicatorEMA, domain.IndicatorParams{Period: 9}))
	assert.Equal(t, "BB20", DefaultIndicatorID(domain.IndicatorBBands, domain.IndicatorParams{Period: 20}))
	assert.Equal(t, "MACD", DefaultIndicatorID(domain.IndicatorMACD, domain.IndicatorParams{}))
}

func TestValidate_HugeIntegerParamIsADefect(t *testing.T) {
	c := goldenCross()
	c.Indicators[1].Params = map[string]any{"period": 1e20}

	_, err := newValidator().Validate(context.Background(), c)
	require.Error(t, err)

	defects, ok := domain.AsValidationDefects(err)
	require.True(t, ok)
	var found bool
	for _, d := range defects {
		if d.Field == "indicators[1].params.period" {
			found = true
			assert.Equal(t, domain.DefectParamInvalid, d.Code)
			assert.Contains(t, d.Message, "at most")
		}
	}
	assert.True(t, found, "defects: %v", defects.Codes())
}

func TestPeriodSuffix_IgnoresOutOfRange(t *testing.T) {
	assert.Equal(t, "50", periodSuffix(map[string]any{"period": 50}))
	assert.Equal(t, "", periodSuffix(map[string]any{"period": 1e20}))
	assert.Equal(t, "", periodSuffix(map[string]any{"window": 2.5}))
}
