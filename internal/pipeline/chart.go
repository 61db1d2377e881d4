package pipeline

import (
	"sort"

	"github.com/tsangh5/BacktestGPT/internal/backtest"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/indicator"
	"github.com/tsangh5/BacktestGPT/internal/signal"
)

// Signal series keys in ChartData.Signals.
const (
	SignalEntries   = "entries"
	SignalExits     = "exits"
	SignalPositions = "positions"
)

// BuildChartData aligns every plotted series to the simulated dates.
// Single-output indicators are keyed by ID; multi-output indicators by
// "ID.output". Drawdown is plotted in percent.
func BuildChartData(sim *backtest.Simulation, set indicator.Set, signals domain.SignalSeries) domain.ChartData {
	dates := make([]string, len(sim.Dates))
	for i, d := range sim.Dates {
		dates[i] = d.Format(domain.DateLayout)
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	inds := make(map[string]domain.Series)
	for _, id := range ids {
		out := set[id]
		for name, series := range out {
			key := id
			if len(out) > 1 {
				key = id + "." + name
			}
			inds[key] = domain.Series(series)
		}
	}

	positions := make([]int, len(sim.Positions))
	for i, p := range sim.Positions {
		if p == domain.PositionLong {
			positions[i] = 1
		}
	}

	drawdown := make(domain.Series, len(sim.Drawdown))
	for i, v := range sim.Drawdown {
		drawdown[i] = v * 100
	}

	return domain.ChartData{
		Dates:      dates,
		Equity:     domain.Series(sim.Equity),
		Drawdown:   drawdown,
		Close:      domain.Series(sim.Close),
		Indicators: inds,
		Signals: map[string][]int{
			SignalEntries:   signal.ToInts(signals.Entry),
			SignalExits:     signal.ToInts(signals.Exit),
			SignalPositions: positions,
		},
	}
}
