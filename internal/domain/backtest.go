package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProfitFactorNoLosses is reported as the profit factor when there are
// winning trades and no losing trades.
const ProfitFactorNoLosses = 999.0

// Trade is one closed round trip.
type Trade struct {
	EntryIndex int       `json:"entry_index"`
	ExitIndex  int       `json:"exit_index"`
	EntryDate  time.Time `json:"entry_date"`
	EntryPrice float64   `json:"entry_price"`
	ExitDate   time.Time `json:"exit_date"`
	ExitPrice  float64   `json:"exit_price"`
	Shares     float64   `json:"shares"`
	// Return is the realized fractional return on the cash committed at
	// entry, net of both fees.
	Return float64 `json:"return"`
	PnL    float64 `json:"pnl"`
}

// IsWin returns true if the trade made money.
func (t Trade) IsWin() bool {
	return t.Return > 0
}

// Metrics are the summary statistics of a backtest.
type Metrics struct {
	StartValue      float64 `json:"start_value"`
	EndValue        float64 `json:"end_value"`
	TotalReturn     float64 `json:"total_return"`
	Years           float64 `json:"years"`
	CAGR            float64 `json:"cagr"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	SortinoRatio    float64 `json:"sortino_ratio"`
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"`
	AvgWinningTrade float64 `json:"avg_winning_trade"`
	AvgLosingTrade  float64 `json:"avg_losing_trade"`
	BestTrade       float64 `json:"best_trade"`
	WorstTrade      float64 `json:"worst_trade"`
	ProfitFactor    float64 `json:"profit_factor"`
	Exposure        float64 `json:"exposure"`
	OpenPosition    bool    `json:"open_position"`

	Degenerate Degeneracy `json:"degenerate"`
}

// Degeneracy flags computations that fell back to zero or sentinel values.
type Degeneracy struct {
	ZeroTrades   bool `json:"zero_trades"`
	ZeroVariance bool `json:"zero_variance"`
	NoLosses     bool `json:"no_losses"`
}

// ChartData carries every series needed to plot a backtest, aligned by index
// to Dates.
type ChartData struct {
	Dates      []string          `json:"dates"`
	Equity     Series            `json:"equity"`
	Drawdown   Series            `json:"drawdown"`
	Close      Series            `json:"close"`
	Indicators map[string]Series `json:"indicators"`
	Signals    map[string][]int  `json:"signals"`
}

// BacktestResult is the response payload of a successful backtest.
type BacktestResult struct {
	RunID     uuid.UUID       `json:"run_id"`
	Strategy  Strategy        `json:"strategy"`
	Metrics   Metrics         `json:"metrics"`
	ChartData ChartData       `json:"chart_data"`
	Trades    []Trade         `json:"trades"`
	Positions []PositionState `json:"-"`
}

// BacktestRun is the persisted history record of one request.
type BacktestRun struct {
	ID           uuid.UUID `json:"id"`
	Mode         RunMode   `json:"mode"`
	Status       RunStatus `json:"status"`
	Ticker       string    `json:"ticker"`
	Strategy     []byte    `json:"-"`
	Metrics      *Metrics  `json:"metrics,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewBacktestRun creates a new BacktestRun with generated UUID.
func NewBacktestRun(mode RunMode, ticker string) *BacktestRun {
	return &BacktestRun{
		ID:        uuid.New(),
		Mode:      mode,
		Status:    RunStatusCompleted,
		Ticker:    ticker,
		CreatedAt: time.Now().UTC(),
	}
}

// Fail marks the run as failed or rejected with the given error.
func (r *BacktestRun) Fail(status RunStatus, err error) {
	r.Status = status
	msg := err.Error()
	r.ErrorMessage = &msg
}

// RunQuery represents query parameters for listing history.
type RunQuery struct {
	Ticker   string    `json:"ticker,omitempty"`
	Status   RunStatus `json:"status,omitempty"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// SetDefaults sets default values for the query.
func (q *RunQuery) SetDefaults() {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
}

// Offset returns the offset for pagination.
func (q *RunQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// PaginationResponse represents pagination metadata in responses.
type PaginationResponse struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// NewPaginationResponse creates a new PaginationResponse.
func NewPaginationResponse(totalCount, page, pageSize int) PaginationResponse {
	totalPages := 1
	if pageSize > 0 {
		totalPages = (totalCount + pageSize - 1) / pageSize
	}
	if totalPages < 1 {
		totalPages = 1
	}
	return PaginationResponse{
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}
