// Package http serves the REST API, health probes, Prometheus metrics and
// the websocket event feed.
package http

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/metrics"
)

// HealthChecker is a dependency that can report its health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configure the server.
type Options struct {
	Address string
	// WriteTimeout must exceed the backtest request timeout.
	WriteTimeout time.Duration
	Version      string
}

// Server provides the HTTP endpoints.
type Server struct {
	server  *http.Server
	handler *Handler
	hub     *Hub
	metrics *metrics.Metrics
	checks  map[string]HealthChecker
	version string
	logger  *zap.Logger
}

// NewServer creates a new HTTP server. hub, m and checks may be nil.
func NewServer(opts Options, handler *Handler, hub *Hub, m *metrics.Metrics, checks map[string]HealthChecker, logger *zap.Logger) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2*time.Minute + 10*time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		handler: handler,
		hub:     hub,
		metrics: m,
		checks:  checks,
		version: opts.Version,
		logger:  logger.With(zap.String("component", "http_server")),
	}

	s.server = &http.Server{
		Addr:         opts.Address,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Routes returns the instrumented router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	h := s.handler
	mux.HandleFunc("POST /api/v1/backtests", h.HandleRunBacktest)
	mux.HandleFunc("POST /api/v1/backtests/conversation", h.HandleConversation)
	mux.HandleFunc("GET /api/v1/backtests", h.HandleListRuns)
	mux.HandleFunc("GET /api/v1/backtests/{id}", h.HandleGetRun)
	mux.HandleFunc("GET /api/v1/registry/indicators", h.HandleListIndicators)
	mux.HandleFunc("GET /api/v1/registry/operators", h.HandleListOperators)
	mux.HandleFunc("GET /api/v1/tickers/{symbol}", h.HandleValidateTicker)
	if s.hub != nil {
		mux.HandleFunc("GET /api/v1/ws", s.hub.ServeWS)
	}

	return s.instrument(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

func (s *Server) checkAll(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:   "healthy",
		Version:  s.version,
		Services: make(map[string]string, len(s.checks)),
	}
	for name, check := range s.checks {
		if err := check.HealthCheck(ctx); err != nil {
			response.Services[name] = "unhealthy: " + err.Error()
			response.Status = "unhealthy"
			continue
		}
		response.Services[name] = "healthy"
	}
	return response
}

// handleHealth handles the /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := s.checkAll(ctx)
	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// handleLiveness handles the /health/live endpoint (Kubernetes liveness probe).
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness handles the /health/ready endpoint (Kubernetes readiness probe).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := s.checkAll(ctx)
	if response.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not ready",
			"services": response.Services,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request counts and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(route, strconv.Itoa(rec.status), time.Since(began))
	})
}
