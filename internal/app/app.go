// Package app assembles the backtest service from configuration. The server
// and the command line tool share it so both run the same pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/config"
	"github.com/tsangh5/BacktestGPT/internal/conversation"
	"github.com/tsangh5/BacktestGPT/internal/db"
	"github.com/tsangh5/BacktestGPT/internal/db/repository"
	"github.com/tsangh5/BacktestGPT/internal/events"
	"github.com/tsangh5/BacktestGPT/internal/extractor"
	"github.com/tsangh5/BacktestGPT/internal/marketdata"
	"github.com/tsangh5/BacktestGPT/internal/metrics"
	"github.com/tsangh5/BacktestGPT/internal/pipeline"
	"github.com/tsangh5/BacktestGPT/internal/registry"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
	"github.com/tsangh5/BacktestGPT/internal/validation"
)

// HealthChecker is a dependency that can report its health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Registry *registry.Registry
	Resolver *ticker.Resolver
	Service  *pipeline.Service
	Runs     repository.RunRepository
	Bus      *events.LocalBus
	Metrics  *metrics.Metrics
	Checks   map[string]HealthChecker

	closers []func() error
	logger  *zap.Logger
}

// Synthetic bars cover this range.
var syntheticStart = time.Date(2000, 1, 3, 0, 0, 0, 0, time.UTC)

// New builds every component selected by cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Registry: registry.Default(),
		Metrics:  metrics.New(),
		Checks:   make(map[string]HealthChecker),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	bars, lookup := a.marketData()
	a.Resolver = ticker.NewResolver(lookup, logger)

	validator := validation.New(a.Registry, a.Resolver, validation.Defaults{
		StartDate:   cfg.Backtest.DefaultStartDate,
		EndDate:     cfg.Backtest.DefaultEndDate,
		InitialCash: cfg.Backtest.DefaultInitialCash,
		FeeRate:     cfg.Backtest.DefaultFeeRate,
	})

	if a.Runs, err = a.history(ctx); err != nil {
		return nil, err
	}

	a.Bus = events.NewLocalBus(a.publisher(), logger)
	a.closers = append(a.closers, a.Bus.Close)

	a.Service = pipeline.New(pipeline.Deps{
		Validator: validator,
		Bars:      bars,
		Compiler:  a.compiler(),
		Runs:      a.Runs,
		Publisher: a.Bus,
		Metrics:   a.Metrics,
	}, pipeline.Config{RequestTimeout: cfg.Backtest.Timeout()}, logger)

	return a, nil
}

func (a *App) marketData() (marketdata.Provider, ticker.Lookup) {
	md := a.Config.MarketData

	var (
		bars   marketdata.Provider
		lookup ticker.Lookup
	)
	switch md.Provider {
	case config.MarketDataSynthetic:
		p := marketdata.NewSyntheticProvider(nil, syntheticStart, time.Now().UTC())
		bars, lookup = p, p
		a.logger.Info("Using synthetic market data", zap.Strings("symbols", marketdata.DemoSymbols))
	default:
		p := marketdata.NewAlpacaProvider(marketdata.AlpacaConfig{
			APIKey:         md.APIKey,
			APISecret:      md.APISecret,
			DataURL:        md.DataURL,
			TradingURL:     md.TradingURL,
			Feed:           md.Feed,
			RequestsPerMin: md.RequestsPerMin,
		}, a.logger)
		bars, lookup = p, p
		if md.APIKey == "" {
			a.logger.Warn("Alpaca credentials not configured, market data requests will fail")
		}
	}

	if md.CacheDir != "" {
		bars = marketdata.NewParquetCache(md.CacheDir, bars, a.logger)
		a.logger.Info("Bar cache enabled", zap.String("dir", md.CacheDir))
	}
	return bars, lookup
}

func (a *App) compiler() *conversation.Compiler {
	llm := a.Config.LLM
	if llm.Provider != config.LLMOpenAI {
		a.logger.Info("LLM disabled, conversational backtests unavailable")
		return nil
	}

	ext := extractor.New(extractor.NewClient(llm.APIKey, llm.BaseURL), a.Registry, extractor.Config{
		Model:          llm.Model,
		Temperature:    llm.Temperature,
		MaxTokens:      llm.MaxTokens,
		Timeout:        llm.RequestTimeout(),
		RequestsPerSec: llm.RequestsPerSec,
	}, a.logger)

	return conversation.NewCompiler(ext, conversation.NewTruncatingSummarizer(), conversation.Config{
		MaxTurns:   a.Config.Conversation.MaxTurns,
		KeepRecent: a.Config.Conversation.KeepRecent,
	}, a.logger)
}

func (a *App) history(ctx context.Context) (repository.RunRepository, error) {
	h := a.Config.History
	switch h.Driver {
	case config.HistoryPostgres:
		a.logger.Info("Connecting to PostgreSQL...")
		pool, err := db.NewPool(ctx, &a.Config.Database, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := repository.EnsurePostgresSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to prepare schema: %w", err)
		}
		a.Checks["database"] = pool
		return repository.NewRunRepository(pool), nil

	case config.HistorySQLite:
		repo, err := repository.OpenSQLite(ctx, h.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		a.Checks["database"] = repo
		a.logger.Info("History stored in SQLite", zap.String("path", h.SQLitePath))
		return repo, nil

	default:
		a.logger.Info("History disabled")
		return repository.NoOpRunRepository{}, nil
	}
}

func (a *App) publisher() events.Publisher {
	if !a.Config.RabbitMQ.Enabled {
		return events.NewNoOpPublisher()
	}

	a.logger.Info("Connecting to RabbitMQ...")
	p, err := events.NewRabbitMQPublisher(&a.Config.RabbitMQ, a.logger)
	if err != nil {
		a.logger.Warn("Failed to connect to RabbitMQ, events stay in-process", zap.Error(err))
		return events.NewNoOpPublisher()
	}
	a.logger.Info("Connected to RabbitMQ")
	return p
}

// HistoryEnabled reports whether runs are persisted.
func (a *App) HistoryEnabled() bool {
	_, noop := a.Runs.(repository.NoOpRunRepository)
	return !noop
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
