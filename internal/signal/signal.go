// Package signal turns entry and exit conditions into boolean series aligned
// with the price series.
package signal

import (
	"fmt"
	"math"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/indicator"
)

// Evaluate computes the entry and exit series of a strategy. Both series
// always have the length of prices. Bars where an operand is still warming up
// evaluate to false.
func Evaluate(prices domain.PriceSeries, set indicator.Set, entry, exit domain.Condition) (domain.SignalSeries, error) {
	entries, err := EvaluateCondition(prices, set, entry)
	if err != nil {
		return domain.SignalSeries{}, fmt.Errorf("entry rule: %w", err)
	}
	exits, err := EvaluateCondition(prices, set, exit)
	if err != nil {
		return domain.SignalSeries{}, fmt.Errorf("exit rule: %w", err)
	}
	return domain.SignalSeries{Entry: entries, Exit: exits}, nil
}

// EvaluateCondition evaluates one condition bar by bar.
func EvaluateCondition(prices domain.PriceSeries, set indicator.Set, cond domain.Condition) ([]bool, error) {
	left, err := Resolve(prices, set, cond.Left)
	if err != nil {
		return nil, err
	}
	right, err := Resolve(prices, set, cond.Right)
	if err != nil {
		return nil, err
	}

	switch cond.Operator {
	case domain.OperatorCrossAbove:
		return CrossAbove(left, right), nil
	case domain.OperatorCrossBelow:
		return CrossBelow(left, right), nil
	case domain.OperatorGreaterThan, domain.OperatorLessThan, domain.OperatorEqualTo,
		domain.OperatorGreaterEq, domain.OperatorLessEq:
		return Compare(cond.Operator, left, right), nil
	default:
		return nil, &domain.UnknownOperatorError{Token: string(cond.Operator)}
	}
}

// Resolve materializes an operand as a series aligned with prices.
func Resolve(prices domain.PriceSeries, set indicator.Set, op domain.Operand) ([]float64, error) {
	switch op.Kind {
	case domain.OperandConstant:
		out := make([]float64, prices.Len())
		for i := range out {
			out[i] = op.Value
		}
		return out, nil
	case domain.OperandPrice:
		if !op.Field.IsValid() {
			return nil, fmt.Errorf("%w: unknown price field %q", domain.ErrInvalidInput, op.Field)
		}
		return prices.Field(op.Field), nil
	case domain.OperandIndicator:
		series, ok := set.Series(op.Indicator, op.Output)
		if !ok {
			return nil, fmt.Errorf("%w: no series for %s", domain.ErrInvalidInput, op)
		}
		if len(series) != prices.Len() {
			return nil, fmt.Errorf("%w: series %s has %d values for %d bars",
				domain.ErrInvalidInput, op, len(series), prices.Len())
		}
		return series, nil
	default:
		return nil, fmt.Errorf("%w: unknown operand kind %q", domain.ErrInvalidInput, op.Kind)
	}
}

// CrossAbove is true at i when a moves from at-or-below b to above b.
//
// On the first bar where both sides are defined after a warm-up, the
// previous relation is unknown and counts as not above, so a fast average
// that is already above a slow one when the slow one finishes warming up
// fires once. The first bar of the series never fires.
func CrossAbove(a, b []float64) []bool {
	return cross(a, b, func(x, y float64) bool { return x > y })
}

// CrossBelow is the mirror of CrossAbove.
func CrossBelow(a, b []float64) []bool {
	return cross(a, b, func(x, y float64) bool { return x < y })
}

func cross(a, b []float64, beyond func(x, y float64) bool) []bool {
	out := make([]bool, len(a))
	for i := 1; i < len(a); i++ {
		if undefined(a[i], b[i]) || !beyond(a[i], b[i]) {
			continue
		}
		if undefined(a[i-1], b[i-1]) {
			out[i] = true
			continue
		}
		out[i] = !beyond(a[i-1], b[i-1])
	}
	return out
}

// Compare evaluates a pointwise comparison operator.
func Compare(op domain.OperatorKind, a, b []float64) []bool {
	out := make([]bool, len(a))
	for i := range a {
		if undefined(a[i], b[i]) {
			continue
		}
		switch op {
		case domain.OperatorGreaterThan:
			out[i] = a[i] > b[i]
		case domain.OperatorLessThan:
			out[i] = a[i] < b[i]
		case domain.OperatorEqualTo:
			out[i] = a[i] == b[i]
		case domain.OperatorGreaterEq:
			out[i] = a[i] >= b[i]
		case domain.OperatorLessEq:
			out[i] = a[i] <= b[i]
		}
	}
	return out
}

// ToInts converts a boolean series to 0/1 values for charting.
func ToInts(flags []bool) []int {
	out := make([]int, len(flags))
	for i, f := range flags {
		if f {
			out[i] = 1
		}
	}
	return out
}

func undefined(x, y float64) bool {
	return math.IsNaN(x) || math.IsNaN(y)
}
