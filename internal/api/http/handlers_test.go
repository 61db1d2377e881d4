package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/db/repository"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/metrics"
	"github.com/tsangh5/BacktestGPT/internal/pipeline"
	"github.com/tsangh5/BacktestGPT/internal/registry"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) RunStructured(ctx context.Context, c domain.CandidateStrategy) (*domain.BacktestResult, error) {
	args := m.Called(ctx, c)
	res, _ := args.Get(0).(*domain.BacktestResult)
	return res, args.Error(1)
}

func (m *mockService) RunConversational(ctx context.Context, req pipeline.ConversationRequest) (*pipeline.ConversationResponse, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*pipeline.ConversationResponse)
	return res, args.Error(1)
}

type stubTickers map[string]bool

func (s stubTickers) Validate(ctx context.Context, symbol string) (ticker.Resolution, error) {
	if symbol == "BOOM" {
		return ticker.Resolution{}, domain.NewExternalServiceError("market_data", "asset lookup", errors.New("503"))
	}
	if s[symbol] {
		return ticker.Resolution{Valid: true, ResolvedSymbol: symbol}, nil
	}
	return ticker.Resolution{Valid: false, Reason: "not found"}, nil
}

type stubRuns struct {
	repository.NoOpRunRepository
	runs  []*domain.BacktestRun
	query domain.RunQuery
}

func (s *stubRuns) List(ctx context.Context, q domain.RunQuery) ([]*domain.BacktestRun, int, error) {
	s.query = q
	return s.runs, len(s.runs), nil
}

func (s *stubRuns) GetByID(ctx context.Context, id uuid.UUID) (*domain.BacktestRun, error) {
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, domain.NewNotFoundError("backtest run", id.String())
}

type stubCheck struct{ err error }

func (c stubCheck) HealthCheck(ctx context.Context) error { return c.err }

func newTestServer(svc BacktestService, runs repository.RunRepository, checks map[string]HealthChecker) (http.Handler, *metrics.Metrics) {
	m := metrics.New()
	h := NewHandler(svc, registry.Default(), stubTickers{"AAPL": true}, runs, zap.NewNop())
	s := NewServer(Options{Address: ":0"}, h, nil, m, checks, zap.NewNop())
	return s.Routes(), m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandleRunBacktest_NestedFormIsFlattened(t *testing.T) {
	svc := &mockService{}
	runID := uuid.New()
	svc.On("RunStructured", mock.Anything, mock.MatchedBy(func(c domain.CandidateStrategy) bool {
		return c.Ticker != nil && *c.Ticker == "AAPL" &&
			len(c.Indicators) == 2 &&
			c.EntryRule != nil && c.EntryRule.Operator == "cross_above" && c.EntryRule.Left == "SMA50" &&
			c.ExitRule != nil && c.ExitRule.Operator == "cross_below"
	})).Return(&domain.BacktestResult{RunID: runID}, nil)

	h, _ := newTestServer(svc, nil, nil)
	body := `{
		"ticker": "AAPL",
		"strategy": {
			"indicators": [{"id": "SMA50", "type": "SMA", "params": {"period": 50}}, {"id": "SMA200", "type": "SMA", "params": {"period": 200}}],
			"entry": {"op": "cross_above", "args": ["SMA50", "SMA200"]},
			"exit": {"op": "cross_below", "args": ["SMA50", "SMA200"]}
		}
	}`
	rec := do(t, h, http.MethodPost, "/api/v1/backtests", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, runID.String(), decode[map[string]any](t, rec)["run_id"])
	svc.AssertExpectations(t)
}

func TestHandleRunBacktest_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name: "defects",
			err: domain.ValidationDefects{
				{Code: domain.DefectTickerUnresolved, Field: "ticker", Message: "unknown"},
				{Code: domain.DefectIndicatorUnknown, Field: "indicators[0].name", Message: "unknown", Suggestion: "SMA"},
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   errCodeValidation,
		},
		{
			name:       "external",
			err:        fmt.Errorf("fetch bars: %w", domain.NewExternalServiceError("market_data", "bars", errors.New("503"))),
			wantStatus: http.StatusBadGateway,
			wantCode:   errCodeUpstream,
		},
		{
			name:       "timeout",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   errCodeTimeout,
		},
		{
			name:       "internal",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   errCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("RunStructured", mock.Anything, mock.Anything).Return(nil, tt.err)
			h, _ := newTestServer(svc, nil, nil)

			rec := do(t, h, http.MethodPost, "/api/v1/backtests", map[string]any{"ticker": "AAPL"})
			require.Equal(t, tt.wantStatus, rec.Code)

			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantCode, resp.Error)
			switch tt.wantStatus {
			case http.StatusUnprocessableEntity:
				require.Len(t, resp.Defects, 2)
				assert.Equal(t, "SMA", resp.Defects[1].Suggestion)
			case http.StatusBadGateway:
				assert.True(t, resp.Retryable)
				assert.Equal(t, "market_data", resp.Service)
			case http.StatusInternalServerError:
				assert.NotContains(t, resp.Message, "boom")
			}
		})
	}
}

func TestHandleRunBacktest_BadBody(t *testing.T) {
	h, _ := newTestServer(&mockService{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/backtests", `{"ticker": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/backtests", map[string]any{"ticker": "THIS-TICKER-IS-FAR-TOO-LONG-TO-BE-REAL"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, FieldError{Field: "ticker", Rule: "max"}, resp.Fields[0])
}

func TestHandleConversation(t *testing.T) {
	svc := &mockService{}
	state := domain.NewConversationState()
	state.Turns = []domain.Turn{{Role: domain.RoleUser, Text: "test AAPL"}, {Role: domain.RoleAssistant, Text: "Which indicators?"}}
	svc.On("RunConversational", mock.Anything, mock.MatchedBy(func(r pipeline.ConversationRequest) bool {
		return r.Input == "test AAPL" && len(r.History) == 1 && r.History[0].Role == domain.RoleUser
	})).Return(&pipeline.ConversationResponse{
		NeedsClarification: true,
		Message:            "Which indicators?",
		Missing:            []string{domain.FieldIndicators, domain.FieldEntryRule, domain.FieldExitRule},
		State:              state,
	}, nil)

	h, _ := newTestServer(svc, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/backtests/conversation", map[string]any{
		"input":   "test AAPL",
		"history": []map[string]string{{"role": "user", "text": "hi"}},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[pipeline.ConversationResponse](t, rec)
	assert.True(t, resp.NeedsClarification)
	assert.Equal(t, "Which indicators?", resp.Message)
	assert.Len(t, resp.State.Turns, 2)
	assert.Nil(t, resp.Result)
}

func TestHandleConversation_DefectsKeepState(t *testing.T) {
	svc := &mockService{}
	state := domain.NewConversationState()
	state.Phase = domain.PhaseReady
	svc.On("RunConversational", mock.Anything, mock.Anything).Return(
		&pipeline.ConversationResponse{State: state},
		domain.ValidationDefects{{Code: domain.DefectTickerUnresolved, Field: "ticker"}},
	)

	h, _ := newTestServer(svc, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/backtests/conversation", map[string]any{"input": "go"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, errCodeValidation, body["error"])
	require.Contains(t, body, "state")
	assert.Equal(t, "ready", body["state"].(map[string]any)["phase"])
}

func TestHandleConversation_Validation(t *testing.T) {
	h, _ := newTestServer(&mockService{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/backtests/conversation", map[string]any{"input": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/backtests/conversation", map[string]any{
		"input":   "hi",
		"history": []map[string]string{{"role": "system", "text": "x"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []FieldError{{Field: "history[0].role", Rule: "oneof"}}, decode[ErrorResponse](t, rec).Fields)
}

func TestHandleConversation_Disabled(t *testing.T) {
	svc := &mockService{}
	svc.On("RunConversational", mock.Anything, mock.Anything).Return(nil, pipeline.ErrConversationDisabled)
	h, _ := newTestServer(svc, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/backtests/conversation", map[string]any{"input": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	msg := "strategy has 1 defect(s)"
	run := &domain.BacktestRun{
		ID: uuid.New(), Mode: domain.RunModeStructured, Status: domain.RunStatusRejected,
		Ticker: "AAPL", Strategy: []byte(`{"ticker":"AAPL"}`), ErrorMessage: &msg,
		CreatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	runs := &stubRuns{runs: []*domain.BacktestRun{run}}
	h, _ := newTestServer(&mockService{}, runs, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/backtests?ticker=aapl&status=rejected&page=2&page_size=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.RunQuery{Ticker: "AAPL", Status: domain.RunStatusRejected, Page: 2, PageSize: 5}, runs.query)
	list := decode[map[string]any](t, rec)
	assert.Len(t, list["runs"], 1)

	rec = do(t, h, http.MethodGet, "/api/v1/backtests?page_size=500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/backtests?status=pending", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/backtests/"+run.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "AAPL", got["strategy"].(map[string]any)["ticker"])
	assert.Equal(t, msg, got["error_message"])

	rec = do(t, h, http.MethodGet, "/api/v1/backtests/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/backtests/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistryAndTickerEndpoints(t *testing.T) {
	h, _ := newTestServer(&mockService{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/registry/indicators", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[map[string][]map[string]any](t, rec)["indicators"])

	rec = do(t, h, http.MethodGet, "/api/v1/registry/operators", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[map[string][]map[string]any](t, rec)["operators"])

	rec = do(t, h, http.MethodGet, "/api/v1/tickers/AAPL", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ticker.Resolution{Valid: true, ResolvedSymbol: "AAPL"}, decode[ticker.Resolution](t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/tickers/BOOM", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestServer(&mockService{}, nil, map[string]HealthChecker{"history": stubCheck{}})

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Services["history"])

	rec = do(t, h, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `backtestgpt_http_requests_total{code="200",route="GET /health"}`)

	unhealthy, _ := newTestServer(&mockService{}, nil, map[string]HealthChecker{"history": stubCheck{err: errors.New("locked")}})
	rec = do(t, unhealthy, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, unhealthy, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
