package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/db/repository"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/pipeline"
	"github.com/tsangh5/BacktestGPT/internal/registry"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
)

// BacktestService runs backtests.
type BacktestService interface {
	RunStructured(ctx context.Context, c domain.CandidateStrategy) (*domain.BacktestResult, error)
	RunConversational(ctx context.Context, req pipeline.ConversationRequest) (*pipeline.ConversationResponse, error)
}

// TickerResolver validates ticker symbols.
type TickerResolver interface {
	Validate(ctx context.Context, symbol string) (ticker.Resolution, error)
}

// Handler provides REST API handlers.
type Handler struct {
	service  BacktestService
	registry *registry.Registry
	tickers  TickerResolver
	runs     repository.RunRepository
	logger   *zap.Logger
}

// NewHandler creates a new Handler instance. A nil runs repository serves
// an empty history.
func NewHandler(service BacktestService, reg *registry.Registry, tickers TickerResolver, runs repository.RunRepository, logger *zap.Logger) *Handler {
	if runs == nil {
		runs = repository.NoOpRunRepository{}
	}
	return &Handler{
		service:  service,
		registry: reg,
		tickers:  tickers,
		runs:     runs,
		logger:   logger.With(zap.String("component", "http_handler")),
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Message   string          `json:"message,omitempty"`
	Defects   []domain.Defect `json:"defects,omitempty"`
	Fields    []FieldError    `json:"fields,omitempty"`
	Service   string          `json:"service,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// Error codes.
const (
	errCodeBadRequest  = "bad_request"
	errCodeValidation  = "validation_failed"
	errCodeNotFound    = "not_found"
	errCodeUpstream    = "external_service_failure"
	errCodeTimeout     = "timeout"
	errCodeUnavailable = "unavailable"
	errCodeInternal    = "internal_error"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// errorResponse maps a service error to a status code and body.
func errorResponse(err error) (int, ErrorResponse) {
	if defects, ok := domain.AsValidationDefects(err); ok {
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error:   errCodeValidation,
			Message: fmt.Sprintf("strategy has %d defect(s)", len(defects)),
			Defects: defects,
		}
	}

	var ext *domain.ExternalServiceError
	switch {
	case errors.As(err, &ext):
		return http.StatusBadGateway, ErrorResponse{
			Error:     errCodeUpstream,
			Message:   err.Error(),
			Service:   ext.Service,
			Retryable: ext.Retryable(),
		}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, ErrorResponse{Error: errCodeBadRequest, Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: errCodeNotFound, Message: err.Error()}
	case errors.Is(err, pipeline.ErrConversationDisabled):
		return http.StatusServiceUnavailable, ErrorResponse{Error: errCodeUnavailable, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: errCodeTimeout, Message: "request timed out", Retryable: true}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: errCodeInternal, Message: "internal error"}
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	h.logServiceError(r, status, err)
	writeJSON(w, status, body)
}

func (h *Handler) logServiceError(r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
		return
	}
	h.logger.Debug("Request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
}

// decodeBody decodes and validates a JSON request body. It writes the 400
// response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{ Validate() error }) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := dst.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   errCodeBadRequest,
			Message: "request failed validation",
			Fields:  fieldErrors(err),
		})
		return false
	}
	return true
}

// parseUUID parses UUID from string.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, errors.New("empty UUID")
	}
	return uuid.Parse(s)
}

// ========================================
// Backtest Handlers
// ========================================

// HandleRunBacktest runs a structured backtest.
func (h *Handler) HandleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.RunStructured(r.Context(), req.Candidate())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// conversationErrorResponse carries the updated state with the error so the
// client can continue the conversation.
type conversationErrorResponse struct {
	ErrorResponse
	State *domain.ConversationState `json:"state,omitempty"`
}

// HandleConversation runs one conversational turn.
func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.RunConversational(r.Context(), req.ToPipeline())
	if err != nil {
		status, body := errorResponse(err)
		h.logServiceError(r, status, err)
		out := conversationErrorResponse{ErrorResponse: body}
		if resp != nil {
			out.State = &resp.State
		}
		writeJSON(w, status, out)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ========================================
// History Handlers
// ========================================

// RunResponse is one history record with its stored strategy.
type RunResponse struct {
	*domain.BacktestRun
	Strategy json.RawMessage `json:"strategy,omitempty"`
}

func toRunResponse(run *domain.BacktestRun) RunResponse {
	resp := RunResponse{BacktestRun: run}
	if json.Valid(run.Strategy) {
		resp.Strategy = run.Strategy
	}
	return resp
}

// ListRunsResponse is one page of history.
type ListRunsResponse struct {
	Runs       []RunResponse             `json:"runs"`
	Pagination domain.PaginationResponse `json:"pagination"`
}

// HandleListRuns lists past backtests, newest first.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := ListRunsQuery{
		Ticker: strings.ToUpper(strings.TrimSpace(q.Get("ticker"))),
		Status: q.Get("status"),
	}
	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "page: "+err.Error())
		return
	}
	if query.PageSize, err = intParam(q.Get("page_size")); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "page_size: "+err.Error())
		return
	}
	if err := requestValidate.Struct(&query); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: errCodeBadRequest, Message: "invalid query", Fields: fieldErrors(err),
		})
		return
	}

	rq := domain.RunQuery{Ticker: query.Ticker, Page: query.Page, PageSize: query.PageSize}
	if query.Status != "" {
		rq.Status = domain.RunStatus(query.Status)
	}
	rq.SetDefaults()

	runs, total, err := h.runs.List(r.Context(), rq)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := ListRunsResponse{
		Runs:       make([]RunResponse, len(runs)),
		Pagination: domain.NewPaginationResponse(total, rq.Page, rq.PageSize),
	}
	for i, run := range runs {
		out.Runs[i] = toRunResponse(run)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetRun returns one past backtest.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// ========================================
// Registry and Ticker Handlers
// ========================================

// HandleListIndicators lists the indicator catalog.
func (h *Handler) HandleListIndicators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"indicators": h.registry.ListIndicators()})
}

// HandleListOperators lists the operator catalog.
func (h *Handler) HandleListOperators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operators": h.registry.ListOperators()})
}

// HandleValidateTicker resolves one ticker symbol.
func (h *Handler) HandleValidateTicker(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	res, err := h.tickers.Validate(r.Context(), symbol)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
