// Package events publishes backtest lifecycle events over RabbitMQ and relays
// them to in-process listeners.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// Routing keys for events.
const (
	RoutingKeyBacktestCompleted = "backtest.completed"
	RoutingKeyBacktestFailed    = "backtest.failed"

	// RoutingKeyBacktestAll matches every backtest event.
	RoutingKeyBacktestAll = "backtest.*"
)

// Event types.
const (
	EventTypeBacktestCompleted = "backtest.completed"
	EventTypeBacktestFailed    = "backtest.failed"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "backtestgpt",
	}
}

// BacktestCompletedEvent is published after a backtest produced results.
type BacktestCompletedEvent struct {
	BaseEvent
	RunID        uuid.UUID      `json:"run_id"`
	Mode         domain.RunMode `json:"mode"`
	Ticker       string         `json:"ticker"`
	TotalReturn  float64        `json:"total_return"`
	CAGR         float64        `json:"cagr"`
	SharpeRatio  float64        `json:"sharpe_ratio"`
	MaxDrawdown  float64        `json:"max_drawdown"`
	TotalTrades  int            `json:"total_trades"`
	OpenPosition bool           `json:"open_position"`
	DurationMs   int64          `json:"duration_ms"`
}

// NewBacktestCompletedEvent creates a new BacktestCompletedEvent.
func NewBacktestCompletedEvent(run *domain.BacktestRun, m domain.Metrics) *BacktestCompletedEvent {
	return &BacktestCompletedEvent{
		BaseEvent:    NewBaseEvent(EventTypeBacktestCompleted),
		RunID:        run.ID,
		Mode:         run.Mode,
		Ticker:       run.Ticker,
		TotalReturn:  m.TotalReturn,
		CAGR:         m.CAGR,
		SharpeRatio:  m.SharpeRatio,
		MaxDrawdown:  m.MaxDrawdown,
		TotalTrades:  m.TotalTrades,
		OpenPosition: m.OpenPosition,
		DurationMs:   run.DurationMs,
	}
}

// BacktestFailedEvent is published when a request was rejected or failed.
type BacktestFailedEvent struct {
	BaseEvent
	RunID      uuid.UUID           `json:"run_id"`
	Mode       domain.RunMode      `json:"mode"`
	Ticker     string              `json:"ticker,omitempty"`
	Status     domain.RunStatus    `json:"status"`
	Reason     string              `json:"reason"`
	Defects    []domain.DefectCode `json:"defects,omitempty"`
	DurationMs int64               `json:"duration_ms"`
}

// NewBacktestFailedEvent creates a new BacktestFailedEvent. Defect codes are
// attached when err carries validation defects.
func NewBacktestFailedEvent(run *domain.BacktestRun, err error) *BacktestFailedEvent {
	e := &BacktestFailedEvent{
		BaseEvent:  NewBaseEvent(EventTypeBacktestFailed),
		RunID:      run.ID,
		Mode:       run.Mode,
		Ticker:     run.Ticker,
		Status:     run.Status,
		DurationMs: run.DurationMs,
	}
	if run.ErrorMessage != nil {
		e.Reason = *run.ErrorMessage
	}
	if defects, ok := domain.AsValidationDefects(err); ok {
		e.Defects = defects.Codes()
	}
	return e
}
