// Package indicator computes technical indicator series over daily prices.
//
// Every function returns a slice aligned to its input. Bars without enough
// history hold NaN and are treated downstream as not yet available.
package indicator

import (
	"fmt"
	"math"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// Output names. They must match the outputs declared in the registry catalog.
const (
	OutputMA        = "ma"
	OutputRSI       = "rsi"
	OutputMiddle    = "middle"
	OutputUpper     = "upper"
	OutputLower     = "lower"
	OutputMACD      = "macd"
	OutputSignal    = "signal"
	OutputHistogram = "histogram"
)

// ErrInvalidPeriod is returned when a lookback period is not positive.
var ErrInvalidPeriod = fmt.Errorf("%w: period must be greater than 0", domain.ErrInvalidInput)

// Output maps output names to series for one indicator instance.
type Output map[string][]float64

// Set holds the outputs of every declared indicator, keyed by indicator ID.
type Set map[string]Output

// Series returns one output series of one indicator.
func (s Set) Series(id, output string) ([]float64, bool) {
	out, ok := s[id]
	if !ok {
		return nil, false
	}
	series, ok := out[output]
	return series, ok
}

// Compute evaluates every spec against the close series. Indicators are
// independent, so each is computed in a single pass over the full history.
func Compute(prices domain.PriceSeries, specs []domain.IndicatorSpec) (Set, error) {
	closes := prices.Closes()
	set := make(Set, len(specs))

	for _, spec := range specs {
		if _, dup := set[spec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate indicator id %q", domain.ErrInvalidInput, spec.ID)
		}
		out, err := computeOne(closes, spec)
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", spec.ID, err)
		}
		set[spec.ID] = out
	}

	return set, nil
}

func computeOne(closes []float64, spec domain.IndicatorSpec) (Output, error) {
	p := spec.Params
	switch spec.Kind {
	case domain.IndicatorSMA:
		ma, err := SMA(closes, p.Period)
		if err != nil {
			return nil, err
		}
		return Output{OutputMA: ma}, nil
	case domain.IndicatorEMA:
		ma, err := EMA(closes, p.Period)
		if err != nil {
			return nil, err
		}
		return Output{OutputMA: ma}, nil
	case domain.IndicatorRSI:
		rsi, err := RSI(closes, p.Period)
		if err != nil {
			return nil, err
		}
		return Output{OutputRSI: rsi}, nil
	case domain.IndicatorBBands:
		bands, err := Bollinger(closes, p.Period, p.NumStdDev)
		if err != nil {
			return nil, err
		}
		return Output{OutputMiddle: bands.Middle, OutputUpper: bands.Upper, OutputLower: bands.Lower}, nil
	case domain.IndicatorMACD:
		m, err := MACD(closes, p.Fast, p.Slow, p.Signal)
		if err != nil {
			return nil, err
		}
		return Output{OutputMACD: m.MACD, OutputSignal: m.Signal, OutputHistogram: m.Histogram}, nil
	default:
		return nil, &domain.UnknownIndicatorError{Name: string(spec.Kind)}
	}
}

// SMA is the arithmetic mean of the trailing period values.
func SMA(x []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	out := nanSlice(len(x))
	var sum float64
	for i := range x {
		sum += x[i]
		if i >= period {
			sum -= x[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out, nil
}

// EMA applies exponential smoothing with factor 2/(period+1), seeded with the
// simple mean of the first period defined values. Leading NaNs are skipped,
// which lets EMA run over another indicator's output.
func EMA(x []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	out := nanSlice(len(x))

	start := firstDefined(x)
	if start < 0 || len(x)-start < period {
		return out, nil
	}

	var seed float64
	for i := start; i < start+period; i++ {
		seed += x[i]
	}
	seedAt := start + period - 1
	out[seedAt] = seed / float64(period)

	k := 2.0 / float64(period+1)
	for i := seedAt + 1; i < len(x); i++ {
		out[i] = (x[i]-out[i-1])*k + out[i-1]
	}
	return out, nil
}

// RSI is Wilder's relative strength index. The first average gain and loss
// are simple means over the first period changes; later values use Wilder
// smoothing. A window with no losses reads 100, a flat window reads 50.
func RSI(x []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	out := nanSlice(len(x))
	if len(x) <= period {
		return out, nil
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := change(x[i-1], x[i])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	n := float64(period)
	for i := period + 1; i < len(x); i++ {
		gain, loss := change(x[i-1], x[i])
		avgGain = (avgGain*(n-1) + gain) / n
		avgLoss = (avgLoss*(n-1) + loss) / n
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out, nil
}

func change(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Bands holds Bollinger band series.
type Bands struct {
	Middle []float64
	Upper  []float64
	Lower  []float64
}

// Bollinger computes SMA(period) plus and minus numStdDev rolling population
// standard deviations.
func Bollinger(x []float64, period int, numStdDev float64) (Bands, error) {
	if period <= 0 {
		return Bands{}, ErrInvalidPeriod
	}
	if numStdDev < 0 || math.IsNaN(numStdDev) {
		return Bands{}, fmt.Errorf("%w: standard deviation multiplier must be non-negative", domain.ErrInvalidInput)
	}

	mean, std := MeanStd(x, period)
	b := Bands{
		Middle: mean,
		Upper:  nanSlice(len(x)),
		Lower:  nanSlice(len(x)),
	}
	for i := range x {
		if math.IsNaN(mean[i]) {
			continue
		}
		b.Upper[i] = mean[i] + numStdDev*std[i]
		b.Lower[i] = mean[i] - numStdDev*std[i]
	}
	return b, nil
}

// MeanStd returns the rolling mean and population standard deviation. Each
// window is summed directly so a flat window yields exactly zero deviation.
func MeanStd(x []float64, period int) (mean, std []float64) {
	mean = nanSlice(len(x))
	std = nanSlice(len(x))
	if period <= 0 {
		return mean, std
	}
	for i := period - 1; i < len(x); i++ {
		window := x[i-period+1 : i+1]
		var sum float64
		for _, v := range window {
			sum += v
		}
		m := sum / float64(period)
		var ss float64
		for _, v := range window {
			ss += (v - m) * (v - m)
		}
		mean[i] = m
		std[i] = math.Sqrt(ss / float64(period))
	}
	return mean, std
}

// MACDLines holds the MACD line, its signal line and their difference.
type MACDLines struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes EMA(fast) - EMA(slow) and an EMA(signal) of that line.
func MACD(x []float64, fast, slow, signal int) (MACDLines, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return MACDLines{}, ErrInvalidPeriod
	}
	if fast >= slow {
		return MACDLines{}, fmt.Errorf("%w: fast period %d must be shorter than slow period %d",
			domain.ErrInvalidInput, fast, slow)
	}

	fastEMA, err := EMA(x, fast)
	if err != nil {
		return MACDLines{}, err
	}
	slowEMA, err := EMA(x, slow)
	if err != nil {
		return MACDLines{}, err
	}

	line := nanSlice(len(x))
	for i := range x {
		if math.IsNaN(fastEMA[i]) || math.IsNaN(slowEMA[i]) {
			continue
		}
		line[i] = fastEMA[i] - slowEMA[i]
	}

	sig, err := EMA(line, signal)
	if err != nil {
		return MACDLines{}, err
	}

	hist := nanSlice(len(x))
	for i := range x {
		if math.IsNaN(line[i]) || math.IsNaN(sig[i]) {
			continue
		}
		hist[i] = line[i] - sig[i]
	}

	return MACDLines{MACD: line, Signal: sig, Histogram: hist}, nil
}

func firstDefined(x []float64) int {
	for i, v := range x {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
