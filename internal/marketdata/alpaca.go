package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
)

const serviceName = "market_data"

// AlpacaConfig holds the Alpaca credentials and endpoints.
type AlpacaConfig struct {
	APIKey         string
	APISecret      string
	DataURL        string
	TradingURL     string
	Feed           string
	RequestsPerMin int
}

// AlpacaProvider fetches split-adjusted daily bars from the Alpaca market
// data API and looks up assets through the trading API.
type AlpacaProvider struct {
	data    *marketdata.Client
	trading *alpaca.Client
	feed    marketdata.Feed
	limiter *rate.Limiter
	market  *time.Location
	logger  *zap.Logger

	assetsMu sync.Mutex
	assets   []alpaca.Asset
}

var (
	_ Provider         = (*AlpacaProvider)(nil)
	_ ticker.Lookup    = (*AlpacaProvider)(nil)
	_ ticker.Suggester = (*AlpacaProvider)(nil)
)

// NewAlpacaProvider creates a provider from cfg.
func NewAlpacaProvider(cfg AlpacaConfig, logger *zap.Logger) *AlpacaProvider {
	dataOpts := marketdata.ClientOpts{APIKey: cfg.APIKey, APISecret: cfg.APISecret}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}
	tradingOpts := alpaca.ClientOpts{APIKey: cfg.APIKey, APISecret: cfg.APISecret}
	if cfg.TradingURL != "" {
		tradingOpts.BaseURL = cfg.TradingURL
	}

	limit := rate.Inf
	if cfg.RequestsPerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMin))
	}
	feed := marketdata.Feed(cfg.Feed)
	if cfg.Feed == "" {
		feed = marketdata.IEX
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AlpacaProvider{
		data:    marketdata.NewClient(dataOpts),
		trading: alpaca.NewClient(tradingOpts),
		feed:    feed,
		limiter: rate.NewLimiter(limit, 1),
		market:  loc,
		logger:  logger.With(zap.String("component", "alpaca")),
	}
}

// DailyBars implements Provider.
func (p *AlpacaProvider) DailyBars(ctx context.Context, symbol string, start, end time.Time) (domain.PriceSeries, error) {
	symbol = strings.ToUpper(symbol)
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.PriceSeries{}, domain.NewExternalServiceError(serviceName, "bars", err)
	}

	began := time.Now()
	raw, err := p.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.Split,
		Start:      day(start),
		End:        day(end).Add(24*time.Hour - time.Nanosecond),
		Feed:       p.feed,
	})
	if err != nil {
		if notFound(err) {
			return domain.PriceSeries{Symbol: symbol}, nil
		}
		return domain.PriceSeries{}, domain.NewExternalServiceError(serviceName, "bars", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.PriceSeries{}, err
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, domain.Bar{
			// Daily bars are stamped at midnight New York time.
			Date:   day(b.Timestamp.In(p.market)),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		})
	}

	p.logger.Debug("Fetched daily bars",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
		zap.Duration("elapsed", time.Since(began)),
	)
	return domain.PriceSeries{Symbol: symbol, Bars: clip(bars, start, end)}, nil
}

// LookupAsset implements ticker.Lookup.
func (p *AlpacaProvider) LookupAsset(ctx context.Context, symbol string) (ticker.Asset, bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ticker.Asset{}, false, err
	}
	a, err := p.trading.GetAsset(symbol)
	if err != nil {
		if notFound(err) {
			return ticker.Asset{}, false, nil
		}
		return ticker.Asset{}, false, err
	}
	return ticker.Asset{
		Symbol:   a.Symbol,
		Name:     a.Name,
		Tradable: a.Tradable && a.Status == alpaca.AssetActive,
	}, true, nil
}

// SuggestSymbols implements ticker.Suggester. The active asset list is
// fetched once and kept for the life of the provider.
func (p *AlpacaProvider) SuggestSymbols(ctx context.Context, query string) ([]string, error) {
	assets, err := p.activeAssets(ctx)
	if err != nil {
		return nil, err
	}
	return rankAssets(assets, query, 5), nil
}

func (p *AlpacaProvider) activeAssets(ctx context.Context) ([]alpaca.Asset, error) {
	p.assetsMu.Lock()
	cached := p.assets
	p.assetsMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	assets, err := p.trading.GetAssets(alpaca.GetAssetsRequest{
		Status:     string(alpaca.AssetActive),
		AssetClass: string(alpaca.USEquity),
	})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	p.assetsMu.Lock()
	p.assets = assets
	p.assetsMu.Unlock()
	p.logger.Info("Loaded asset list", zap.Int("assets", len(assets)))
	return assets, nil
}

// rankAssets orders assets by how well they match query: exact symbol,
// symbol prefix, then name containing the query.
func rankAssets(assets []alpaca.Asset, query string, limit int) []string {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	type hit struct {
		symbol string
		score  int
	}
	var hits []hit
	for _, a := range assets {
		if !a.Tradable {
			continue
		}
		switch {
		case a.Symbol == q:
			hits = append(hits, hit{a.Symbol, 0})
		case strings.HasPrefix(a.Symbol, q):
			hits = append(hits, hit{a.Symbol, 1})
		case len(q) >= 3 && strings.Contains(strings.ToUpper(a.Name), q):
			hits = append(hits, hit{a.Symbol, 2})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score < hits[j].score
		}
		return len(hits[i].symbol) < len(hits[j].symbol)
	})

	out := make([]string, 0, limit)
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		out = append(out, h.symbol)
	}
	return out
}

func notFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
