package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
)

// StaticProvider serves bars from memory. It also acts as a ticker lookup
// for the symbols it holds.
type StaticProvider struct {
	mu   sync.RWMutex
	bars map[string][]domain.Bar
}

// NewStaticProvider creates an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{bars: make(map[string][]domain.Bar)}
}

// Add stores bars for symbol, replacing anything held before.
func (p *StaticProvider) Add(symbol string, bars []domain.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[strings.ToUpper(symbol)] = append([]domain.Bar(nil), bars...)
}

// DailyBars implements Provider.
func (p *StaticProvider) DailyBars(ctx context.Context, symbol string, start, end time.Time) (domain.PriceSeries, error) {
	if err := ctx.Err(); err != nil {
		return domain.PriceSeries{}, err
	}
	symbol = strings.ToUpper(symbol)

	p.mu.RLock()
	bars := p.bars[symbol]
	p.mu.RUnlock()

	return domain.PriceSeries{Symbol: symbol, Bars: clip(append([]domain.Bar(nil), bars...), start, end)}, nil
}

// LookupAsset implements ticker.Lookup.
func (p *StaticProvider) LookupAsset(ctx context.Context, symbol string) (ticker.Asset, bool, error) {
	p.mu.RLock()
	_, ok := p.bars[strings.ToUpper(symbol)]
	p.mu.RUnlock()
	if !ok {
		return ticker.Asset{}, false, nil
	}
	return ticker.Asset{Symbol: strings.ToUpper(symbol), Tradable: true}, true, nil
}

// DemoSymbols is the universe served by NewSyntheticProvider when no
// symbols are configured.
var DemoSymbols = []string{"SPY", "QQQ", "AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "TSLA", "META", "IWM"}

// NewSyntheticProvider serves deterministic synthetic bars for symbols over
// [start, end]. Each symbol's series is seeded from its name, so a symbol
// always gets the same prices.
func NewSyntheticProvider(symbols []string, start, end time.Time) *StaticProvider {
	if len(symbols) == 0 {
		symbols = DemoSymbols
	}
	p := NewStaticProvider()
	for _, sym := range symbols {
		h := fnv.New64a()
		h.Write([]byte(strings.ToUpper(sym)))
		seed := int64(h.Sum64() >> 1)
		p.Add(sym, Synthetic(start, end, 50+float64(seed%200), seed))
	}
	return p
}

// Synthetic generates a deterministic geometric random walk of weekday bars
// starting at start. The same seed always gives the same series.
func Synthetic(start, end time.Time, startPrice float64, seed int64) []domain.Bar {
	rng := rand.New(rand.NewSource(seed))
	price := startPrice
	var bars []domain.Bar
	for d := day(start); !d.After(day(end)); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		open := price
		price *= math.Exp(0.0003 + 0.015*rng.NormFloat64())
		hi := math.Max(open, price) * (1 + 0.005*rng.Float64())
		lo := math.Min(open, price) * (1 - 0.005*rng.Float64())
		bars = append(bars, domain.Bar{
			Date:   d,
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  price,
			Volume: math.Round(1e6 * (1 + rng.Float64())),
		})
	}
	return bars
}
