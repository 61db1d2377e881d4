package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsangh5/BacktestGPT/internal/backtest"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/indicator"
)

func TestBuildChartData_DrawdownInPercent(t *testing.T) {
	day := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	sim := &backtest.Simulation{
		InitialCash: 100,
		Dates:       []time.Time{day, day.AddDate(0, 0, 1), day.AddDate(0, 0, 2)},
		Close:       []float64{10, 8, 9},
		Equity:      []float64{100, 80, 90},
		Drawdown:    []float64{0, -0.2, -0.1},
		Positions:   []domain.PositionState{domain.PositionLong, domain.PositionLong, domain.PositionFlat},
	}
	signals := domain.SignalSeries{Entry: []bool{true, false, false}, Exit: []bool{false, false, true}}
	set := indicator.Set{
		"SMA2": indicator.Output{"value": {10, 9, 8.5}},
		"BB": indicator.Output{
			"upper": {11, 10, 9},
			"lower": {9, 8, 7},
		},
	}

	chart := BuildChartData(sim, set, signals)

	require.Len(t, chart.Drawdown, 3)
	assert.InDelta(t, 0, chart.Drawdown[0], 1e-12)
	assert.InDelta(t, -20, chart.Drawdown[1], 1e-9)
	assert.InDelta(t, -10, chart.Drawdown[2], 1e-9)

	// The simulation keeps fractions; only the plot is scaled.
	assert.Equal(t, -0.2, sim.Drawdown[1])

	assert.Equal(t, []string{"2021-03-01", "2021-03-02", "2021-03-03"}, chart.Dates)
	assert.Contains(t, chart.Indicators, "SMA2")
	assert.Contains(t, chart.Indicators, "BB.upper")
	assert.Contains(t, chart.Indicators, "BB.lower")
	assert.Equal(t, []int{1, 1, 0}, chart.Signals[SignalPositions])
	assert.Equal(t, []int{0, 0, 1}, chart.Signals[SignalExits])
}
