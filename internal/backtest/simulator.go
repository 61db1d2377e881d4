// Package backtest simulates a single-position, long-only portfolio over a
// daily price series driven by entry and exit signals.
package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// Config holds the portfolio parameters of one simulation.
type Config struct {
	InitialCash float64
	FeeRate     float64
}

// Validate checks the portfolio parameters.
func (c Config) Validate() error {
	if !(c.InitialCash > 0) || math.IsInf(c.InitialCash, 0) {
		return fmt.Errorf("%w: initial cash must be positive, got %v", domain.ErrInvalidInput, c.InitialCash)
	}
	if !(c.FeeRate >= 0 && c.FeeRate < 1) {
		return fmt.Errorf("%w: fee rate must be in [0, 1), got %v", domain.ErrInvalidInput, c.FeeRate)
	}
	return nil
}

// Simulation is the bar-by-bar outcome of a backtest. Equity, Drawdown and
// Positions are aligned with Dates.
type Simulation struct {
	InitialCash float64
	Dates       []time.Time
	Close       []float64
	Equity      []float64
	Drawdown    []float64
	Positions   []domain.PositionState
	Trades      []domain.Trade

	// OpenPosition is true when the final bar ends Long. That position is
	// marked to market in Equity but is not a closed trade.
	OpenPosition bool
}

// FinalEquity returns the last equity value.
func (s *Simulation) FinalEquity() float64 {
	if len(s.Equity) == 0 {
		return s.InitialCash
	}
	return s.Equity[len(s.Equity)-1]
}

// Simulate runs the Flat/Long state machine.
//
// On each bar an exit is processed before an entry: a Long position with an
// exit signal closes and does not reopen on the same bar, even if the entry
// signal is also set. Orders fill at the bar's close. Opening converts all
// cash to shares after fee_rate; closing converts all shares back to cash
// after fee_rate.
func Simulate(prices domain.PriceSeries, signals domain.SignalSeries, cfg Config) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := prices.Len()
	if n == 0 {
		return nil, fmt.Errorf("%w: price series is empty", domain.ErrInsufficientData)
	}
	if len(signals.Entry) != n || len(signals.Exit) != n {
		return nil, fmt.Errorf("%w: signals (%d entry, %d exit) not aligned with %d bars",
			domain.ErrInvalidInput, len(signals.Entry), len(signals.Exit), n)
	}

	sim := &Simulation{
		InitialCash: cfg.InitialCash,
		Dates:       make([]time.Time, n),
		Close:       make([]float64, n),
		Equity:      make([]float64, n),
		Positions:   make([]domain.PositionState, n),
		Trades:      make([]domain.Trade, 0),
	}

	state := domain.PositionFlat
	cash := cfg.InitialCash
	var shares, committed float64
	var open domain.Trade

	for i, bar := range prices.Bars {
		price := bar.Close
		sim.Dates[i] = bar.Date
		sim.Close[i] = price

		switch {
		case state == domain.PositionLong && signals.Exit[i]:
			proceeds := shares * price * (1 - cfg.FeeRate)
			open.ExitIndex = i
			open.ExitDate = bar.Date
			open.ExitPrice = price
			open.PnL = proceeds - committed
			open.Return = proceeds/committed - 1
			sim.Trades = append(sim.Trades, open)

			cash, shares, committed = proceeds, 0, 0
			state = domain.PositionFlat

		case state == domain.PositionFlat && signals.Entry[i]:
			if !(price > 0) {
				return nil, fmt.Errorf("%w: cannot enter at non-positive close %v on %s",
					domain.ErrInvalidInput, price, bar.Date.Format(domain.DateLayout))
			}
			committed = cash
			shares = cash * (1 - cfg.FeeRate) / price
			cash = 0
			open = domain.Trade{
				EntryIndex: i,
				EntryDate:  bar.Date,
				EntryPrice: price,
				Shares:     shares,
			}
			state = domain.PositionLong
		}

		if state == domain.PositionLong {
			sim.Equity[i] = shares * price
		} else {
			sim.Equity[i] = cash
		}
		sim.Positions[i] = state
	}

	sim.OpenPosition = state == domain.PositionLong
	sim.Drawdown = Drawdown(sim.Equity)
	return sim, nil
}

// Drawdown returns (v - runningMax) / runningMax for each value. Every value
// is at most zero.
func Drawdown(equity []float64) []float64 {
	out := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 || v >= peak {
			continue
		}
		out[i] = (v - peak) / peak
	}
	return out
}

// CountCloses returns the number of Long to Flat transitions in a position
// sequence.
func CountCloses(positions []domain.PositionState) int {
	n := 0
	for i := 1; i < len(positions); i++ {
		if positions[i-1] == domain.PositionLong && positions[i] == domain.PositionFlat {
			n++
		}
	}
	return n
}
