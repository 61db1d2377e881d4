// Package ticker validates ticker symbols against the market data source and
// caches the answers for the life of the process.
package ticker

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)

// Resolution is the answer for one ticker.
type Resolution struct {
	Valid          bool   `json:"valid"`
	ResolvedSymbol string `json:"resolved_symbol,omitempty"`
	Name           string `json:"name,omitempty"`
	Suggestion     string `json:"suggestion,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Asset is what the market data source knows about a symbol.
type Asset struct {
	Symbol   string
	Name     string
	Tradable bool
}

// Lookup queries the market data source. Found is false when the source
// positively reports the symbol as unknown; an error means the source could
// not answer.
type Lookup interface {
	LookupAsset(ctx context.Context, symbol string) (asset Asset, found bool, err error)
}

// Suggester is an optional capability of a Lookup that proposes symbols for
// free text such as a company name.
type Suggester interface {
	SuggestSymbols(ctx context.Context, query string) ([]string, error)
}

// Resolver validates tickers with an append-only cache keyed by the
// upper-cased ticker. Entries are never evicted, and a negative answer is
// never re-queried within the process.
type Resolver struct {
	lookup Lookup
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]Resolution

	group singleflight.Group
}

// NewResolver creates a Resolver backed by lookup.
func NewResolver(lookup Lookup, logger *zap.Logger) *Resolver {
	return &Resolver{
		lookup: lookup,
		logger: logger.With(zap.String("component", "ticker_resolver")),
		cache:  make(map[string]Resolution),
	}
}

// Normalize upper-cases and trims a ticker.
func Normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// ValidFormat reports whether a normalized ticker is syntactically valid.
func ValidFormat(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// Validate resolves a ticker. Only a failure of the market data source is
// returned as an error, and such failures are not cached.
func (r *Resolver) Validate(ctx context.Context, ticker string) (Resolution, error) {
	key := Normalize(ticker)
	if !ValidFormat(key) {
		return Resolution{
			Valid:      false,
			Reason:     "ticker must be 1-10 characters of A-Z, 0-9, '.' or '-'",
			Suggestion: SuggestFromName(ticker),
		}, nil
	}

	if res, ok := r.cached(key); ok {
		return res, nil
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		if res, ok := r.cached(key); ok {
			return res, nil
		}
		asset, found, err := r.lookup.LookupAsset(ctx, key)
		if err != nil {
			return Resolution{}, domain.NewExternalServiceError("market_data", "asset lookup", err)
		}
		res := r.resolution(ctx, key, ticker, asset, found)
		r.store(key, res)
		return res, nil
	})
	if err != nil {
		r.logger.Warn("Ticker lookup failed", zap.String("ticker", key), zap.Error(err))
		return Resolution{}, err
	}
	if shared {
		r.logger.Debug("Ticker lookup shared with concurrent caller", zap.String("ticker", key))
	}
	return v.(Resolution), nil
}

func (r *Resolver) resolution(ctx context.Context, key, raw string, asset Asset, found bool) Resolution {
	if found && asset.Tradable {
		symbol := asset.Symbol
		if symbol == "" {
			symbol = key
		}
		return Resolution{Valid: true, ResolvedSymbol: symbol, Name: asset.Name}
	}

	res := Resolution{Valid: false, Reason: "ticker not found in market data source"}
	if found {
		res.Reason = "ticker is not tradable"
	}
	res.Suggestion = SuggestFromName(raw)
	if res.Suggestion == "" {
		res.Suggestion = r.suggestFromSource(ctx, raw)
	}
	return res
}

// suggestFromSource is best effort: any failure is logged and ignored.
func (r *Resolver) suggestFromSource(ctx context.Context, raw string) string {
	s, ok := r.lookup.(Suggester)
	if !ok {
		return ""
	}
	symbols, err := s.SuggestSymbols(ctx, raw)
	if err != nil {
		r.logger.Debug("Ticker suggestion failed", zap.String("query", raw), zap.Error(err))
		return ""
	}
	for _, sym := range symbols {
		if sym != Normalize(raw) {
			return sym
		}
	}
	return ""
}

func (r *Resolver) cached(key string) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.cache[key]
	return res, ok
}

func (r *Resolver) store(key string, res Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = res
}

// CacheSize returns the number of cached tickers.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
