package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Bar is one daily OHLCV observation.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// PriceSeries is an ordered sequence of daily bars with strictly increasing
// dates. Calendar gaps are allowed and never filled.
type PriceSeries struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// Len returns the number of bars.
func (p PriceSeries) Len() int {
	return len(p.Bars)
}

// Dates returns the bar dates.
func (p PriceSeries) Dates() []time.Time {
	out := make([]time.Time, len(p.Bars))
	for i, b := range p.Bars {
		out[i] = b.Date
	}
	return out
}

// Closes returns the close column.
func (p PriceSeries) Closes() []float64 {
	return p.Field(PriceClose)
}

// Field returns the requested column.
func (p PriceSeries) Field(f PriceField) []float64 {
	out := make([]float64, len(p.Bars))
	for i, b := range p.Bars {
		switch f {
		case PriceOpen:
			out[i] = b.Open
		case PriceHigh:
			out[i] = b.High
		case PriceLow:
			out[i] = b.Low
		case PriceVolume:
			out[i] = b.Volume
		default:
			out[i] = b.Close
		}
	}
	return out
}

// Validate checks the strictly-increasing date invariant.
func (p PriceSeries) Validate() error {
	for i := 1; i < len(p.Bars); i++ {
		if !p.Bars[i].Date.After(p.Bars[i-1].Date) {
			return fmt.Errorf("%w: bar %d (%s) is not after bar %d (%s)", ErrInvalidInput,
				i, p.Bars[i].Date.Format(DateLayout), i-1, p.Bars[i-1].Date.Format(DateLayout))
		}
	}
	return nil
}

// SignalSeries holds entry and exit flags aligned 1:1 with a PriceSeries.
type SignalSeries struct {
	Entry []bool `json:"entry"`
	Exit  []bool `json:"exit"`
}

// Len returns the common length of both series.
func (s SignalSeries) Len() int {
	return len(s.Entry)
}

// Series is a float series whose NaN values (warm-up) serialize as null.
type Series []float64

// MarshalJSON writes NaN and infinities as null.
func (s Series) MarshalJSON() ([]byte, error) {
	out := make([]*float64, len(s))
	for i := range s {
		if math.IsNaN(s[i]) || math.IsInf(s[i], 0) {
			continue
		}
		v := s[i]
		out[i] = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads null as NaN.
func (s *Series) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Series, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*s = out
	return nil
}
