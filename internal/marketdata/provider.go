// Package marketdata supplies daily OHLCV bars and asset lookups.
package marketdata

import (
	"context"
	"sort"
	"time"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// Provider returns the daily bars of a symbol between start and end,
// inclusive, ordered by date. An unknown symbol or an empty range yields an
// empty series, not an error.
type Provider interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) (domain.PriceSeries, error)
}

// day truncates t to its calendar date in UTC.
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// clip keeps the bars within [start, end] and sorts them by date, dropping
// duplicate dates.
func clip(bars []domain.Bar, start, end time.Time) []domain.Bar {
	start, end = day(start), day(end)
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		d := day(b.Date)
		if d.Before(start) || d.After(end) {
			continue
		}
		b.Date = d
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })

	deduped := out[:0]
	for i, b := range out {
		if i > 0 && b.Date.Equal(deduped[len(deduped)-1].Date) {
			deduped[len(deduped)-1] = b
			continue
		}
		deduped = append(deduped, b)
	}
	return deduped
}
