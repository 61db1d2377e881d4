// Package pipeline runs backtests end to end: validation, market data,
// indicators, signals, simulation and metrics, then records the outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/backtest"
	"github.com/tsangh5/BacktestGPT/internal/conversation"
	"github.com/tsangh5/BacktestGPT/internal/db/repository"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/events"
	"github.com/tsangh5/BacktestGPT/internal/indicator"
	"github.com/tsangh5/BacktestGPT/internal/marketdata"
	"github.com/tsangh5/BacktestGPT/internal/metrics"
	"github.com/tsangh5/BacktestGPT/internal/performance"
	"github.com/tsangh5/BacktestGPT/internal/signal"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
)

var tracer = otel.Tracer("backtestgpt.pipeline")

// ErrConversationDisabled is returned by RunConversational when no language
// model is configured.
var ErrConversationDisabled = errors.New("conversational backtests are disabled")

// recordTimeout bounds the best-effort history write and event publish,
// which run detached from the request context.
const recordTimeout = 5 * time.Second

// StrategyValidator turns a candidate into a validated strategy.
type StrategyValidator interface {
	Validate(ctx context.Context, c domain.CandidateStrategy) (domain.Strategy, error)
}

// Config holds the pipeline settings.
type Config struct {
	// RequestTimeout bounds one request, including external calls. Zero
	// means no deadline beyond the caller's.
	RequestTimeout time.Duration
}

// Deps are the collaborators of a Service. Runs, Publisher and Metrics are
// optional.
type Deps struct {
	Validator StrategyValidator
	Bars      marketdata.Provider
	Compiler  *conversation.Compiler
	Runs      repository.RunRepository
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

// Service is the backtest entry point shared by the HTTP, gRPC and CLI
// surfaces. It is stateless apart from its collaborators.
type Service struct {
	validator StrategyValidator
	bars      marketdata.Provider
	compiler  *conversation.Compiler
	runs      repository.RunRepository
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    *zap.Logger
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Runs == nil {
		deps.Runs = repository.NoOpRunRepository{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NewNoOpPublisher()
	}
	return &Service{
		validator: deps.Validator,
		bars:      deps.Bars,
		compiler:  deps.Compiler,
		runs:      deps.Runs,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "pipeline")),
	}
}

// RunStructured validates the candidate and runs the backtest. Defects are
// returned as domain.ValidationDefects, collaborator failures as
// *domain.ExternalServiceError.
func (s *Service) RunStructured(ctx context.Context, c domain.CandidateStrategy) (*domain.BacktestResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.runCandidate(ctx, domain.RunModeStructured, c)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) runCandidate(ctx context.Context, mode domain.RunMode, c domain.CandidateStrategy) (*domain.BacktestResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(attribute.String("backtest.mode", string(mode))),
	)
	defer span.End()

	began := time.Now()
	strategy, result, err := s.validateAndExecute(ctx, c)

	run := domain.NewBacktestRun(mode, candidateTicker(c, strategy))
	run.DurationMs = time.Since(began).Milliseconds()
	if body, mErr := json.Marshal(strategyOrCandidate(c, strategy)); mErr == nil {
		run.Strategy = body
	}

	outcome := metrics.OutcomeCompleted
	switch {
	case err == nil:
		m := result.Metrics
		run.Metrics = &m
		result.RunID = run.ID
		span.SetAttributes(
			attribute.String("backtest.ticker", strategy.Ticker),
			attribute.Int("backtest.trades", m.TotalTrades),
		)
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, domain.ErrValidation):
		outcome = metrics.OutcomeRejected
		run.Fail(domain.RunStatusRejected, err)
		span.SetStatus(codes.Error, "rejected")
	default:
		outcome = metrics.OutcomeFailed
		run.Fail(domain.RunStatusFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.metrics.ObserveBacktest(mode, outcome, time.Since(began), err)
	s.record(ctx, run, err)

	if err != nil {
		s.logger.Info("Backtest did not complete",
			zap.String("run_id", run.ID.String()),
			zap.String("mode", string(mode)),
			zap.String("status", string(run.Status)),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("Backtest completed",
		zap.String("run_id", run.ID.String()),
		zap.String("mode", string(mode)),
		zap.String("ticker", strategy.Ticker),
		zap.Int("bars", len(result.ChartData.Dates)),
		zap.Int("trades", result.Metrics.TotalTrades),
		zap.Int64("duration_ms", run.DurationMs),
	)
	return result, nil
}

func (s *Service) validateAndExecute(ctx context.Context, c domain.CandidateStrategy) (domain.Strategy, *domain.BacktestResult, error) {
	vctx, span := tracer.Start(ctx, "pipeline.Validate")
	strategy, err := s.validator.Validate(vctx, c)
	span.End()
	if err != nil {
		return domain.Strategy{}, nil, err
	}

	result, err := s.Execute(ctx, strategy)
	return strategy, result, err
}

// Execute runs a validated strategy. It performs no recording.
func (s *Service) Execute(ctx context.Context, strategy domain.Strategy) (*domain.BacktestResult, error) {
	fctx, span := tracer.Start(ctx, "pipeline.FetchBars",
		trace.WithAttributes(attribute.String("backtest.ticker", strategy.Ticker)),
	)
	prices, err := s.bars.DailyBars(fctx, strategy.Ticker, strategy.StartDate, strategy.EndDate)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("fetch bars: %w", err)
	}
	if prices.Len() == 0 {
		return nil, domain.ValidationDefects{{
			Code:  domain.DefectNoPriceData,
			Field: "ticker",
			Message: fmt.Sprintf("no price data for %s between %s and %s", strategy.Ticker,
				strategy.StartDate.Format(domain.DateLayout), strategy.EndDate.Format(domain.DateLayout)),
		}}
	}
	if err := prices.Validate(); err != nil {
		return nil, fmt.Errorf("price series: %w", err)
	}

	_, span = tracer.Start(ctx, "pipeline.Simulate",
		trace.WithAttributes(attribute.Int("backtest.bars", prices.Len())),
	)
	defer span.End()

	set, err := indicator.Compute(prices, strategy.Indicators)
	if err != nil {
		return nil, fmt.Errorf("compute indicators: %w", err)
	}
	signals, err := signal.Evaluate(prices, set, strategy.EntryRule, strategy.ExitRule)
	if err != nil {
		return nil, fmt.Errorf("evaluate signals: %w", err)
	}
	sim, err := backtest.Simulate(prices, signals, backtest.Config{
		InitialCash: strategy.InitialCash,
		FeeRate:     strategy.FeeRate,
	})
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	return &domain.BacktestResult{
		Strategy:  strategy,
		Metrics:   performance.Calculate(sim),
		ChartData: BuildChartData(sim, set, signals),
		Trades:    sim.Trades,
		Positions: sim.Positions,
	}, nil
}

// record writes history and publishes the event. Both are best effort and
// never change the response.
func (s *Service) record(ctx context.Context, run *domain.BacktestRun, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := s.runs.Create(ctx, run); err != nil {
		s.logger.Warn("Failed to record run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	var err error
	if cause == nil {
		err = s.publisher.PublishBacktestCompleted(ctx, run, *run.Metrics)
	} else {
		err = s.publisher.PublishBacktestFailed(ctx, run, cause)
	}
	if err != nil {
		s.logger.Warn("Failed to publish event", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}

func candidateTicker(c domain.CandidateStrategy, s domain.Strategy) string {
	if s.Ticker != "" {
		return s.Ticker
	}
	if c.Ticker != nil {
		return ticker.Normalize(*c.Ticker)
	}
	return ""
}

// strategyOrCandidate picks what is stored with the run: the validated
// strategy when validation passed, else the raw candidate.
func strategyOrCandidate(c domain.CandidateStrategy, s domain.Strategy) any {
	if s.Ticker != "" {
		return s
	}
	return c
}
