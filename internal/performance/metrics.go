// Package performance derives summary statistics from a simulation.
package performance

import (
	"math"

	"github.com/tsangh5/BacktestGPT/internal/backtest"
	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// TradingDaysPerYear annualizes daily Sharpe and Sortino ratios.
const TradingDaysPerYear = 252

// DaysPerYear converts a calendar span into years.
const DaysPerYear = 365.25

// Calculate derives every metric from the simulation's equity curve,
// drawdown series and trade log. Ratios whose denominator is zero are
// reported as 0 and flagged in Degenerate.
func Calculate(sim *backtest.Simulation) domain.Metrics {
	m := domain.Metrics{
		StartValue:   sim.InitialCash,
		EndValue:     sim.FinalEquity(),
		OpenPosition: sim.OpenPosition,
	}

	if m.StartValue > 0 {
		m.TotalReturn = m.EndValue/m.StartValue - 1
	}
	if n := len(sim.Dates); n > 1 {
		m.Years = sim.Dates[n-1].Sub(sim.Dates[0]).Hours() / 24 / DaysPerYear
	}
	m.CAGR = CAGR(m.StartValue, m.EndValue, m.Years)
	m.MaxDrawdown = MaxDrawdown(sim.Drawdown)

	returns := DailyReturns(sim.Equity)
	m.SharpeRatio = Sharpe(returns)
	m.SortinoRatio = Sortino(returns)
	m.Degenerate.ZeroVariance = stddev(returns) == 0

	fillTradeStats(&m, sim.Trades)
	m.Exposure = exposure(sim.Positions)

	return m
}

// CAGR is the compound annual growth rate, or 0 when the span is not
// positive.
func CAGR(start, end, years float64) float64 {
	if years <= 0 || start <= 0 || end < 0 {
		return 0
	}
	return math.Pow(end/start, 1/years) - 1
}

// MaxDrawdown is the minimum of the drawdown series, never above zero.
func MaxDrawdown(drawdown []float64) float64 {
	worst := 0.0
	for _, d := range drawdown {
		if d < worst {
			worst = d
		}
	}
	return worst
}

// DailyReturns returns v[i]/v[i-1] - 1 for consecutive equity values.
func DailyReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// Sharpe is mean/stdev of daily returns scaled by sqrt(252).
func Sharpe(returns []float64) float64 {
	sd := stddev(returns)
	if sd == 0 {
		return 0
	}
	return mean(returns) / sd * math.Sqrt(TradingDaysPerYear)
}

// Sortino is mean return over the standard deviation of the negative
// returns, scaled by sqrt(252).
func Sortino(returns []float64) float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	sd := stddev(downside)
	if sd == 0 {
		return 0
	}
	return mean(returns) / sd * math.Sqrt(TradingDaysPerYear)
}

func fillTradeStats(m *domain.Metrics, trades []domain.Trade) {
	m.TotalTrades = len(trades)
	if m.TotalTrades == 0 {
		m.Degenerate.ZeroTrades = true
		return
	}

	var winSum, lossSum, gains, losses float64
	m.BestTrade = math.Inf(-1)
	m.WorstTrade = math.Inf(1)

	for _, t := range trades {
		pct := t.Return * 100
		switch {
		case t.Return > 0:
			m.WinningTrades++
			winSum += pct
			gains += t.PnL
		case t.Return < 0:
			m.LosingTrades++
			lossSum += pct
			losses += t.PnL
		}
		m.BestTrade = math.Max(m.BestTrade, pct)
		m.WorstTrade = math.Min(m.WorstTrade, pct)
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AvgWinningTrade = winSum / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLosingTrade = lossSum / float64(m.LosingTrades)
	}
	m.ProfitFactor = ProfitFactor(gains, losses)
	m.Degenerate.NoLosses = m.LosingTrades == 0
}

// ProfitFactor is gains / |losses|. With gains and no losses it returns
// domain.ProfitFactorNoLosses instead of an unbounded value.
func ProfitFactor(gains, losses float64) float64 {
	losses = math.Abs(losses)
	if losses == 0 {
		if gains > 0 {
			return domain.ProfitFactorNoLosses
		}
		return 0
	}
	return gains / losses
}

func exposure(positions []domain.PositionState) float64 {
	if len(positions) == 0 {
		return 0
	}
	long := 0
	for _, p := range positions {
		if p == domain.PositionLong {
			long++
		}
	}
	return float64(long) / float64(len(positions))
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

// stddev is the sample standard deviation, 0 for fewer than two values.
func stddev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	m := mean(x)
	var ss float64
	for _, v := range x {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(x)-1))
}
