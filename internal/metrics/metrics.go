// Package metrics holds the Prometheus collectors of the service on a
// dedicated registry.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

const namespace = "backtestgpt"

// Outcome labels.
const (
	OutcomeCompleted     = "completed"
	OutcomeRejected      = "rejected"
	OutcomeFailed        = "failed"
	OutcomeClarification = "clarification"
)

// Metrics is the set of collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	backtests        *prometheus.CounterVec
	backtestDuration *prometheus.HistogramVec
	defects          *prometheus.CounterVec
	externalFailures *prometheus.CounterVec
	turns            *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Labels: mode (structured, conversational), outcome
		backtests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Backtest requests by mode and outcome",
		}, []string{"mode", "outcome"}),

		backtestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end backtest latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}),

		// Labels: code (defect code)
		defects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "defects_total",
			Help:      "Validation defects reported, by code",
		}, []string{"code"}),

		// Labels: service (llm, market_data)
		externalFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "failures_total",
			Help:      "Failed calls to external collaborators",
		}, []string{"service"}),

		// Labels: phase (gathering, ready)
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Conversation turns by resulting phase",
		}, []string{"phase"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBacktest records one pipeline request and the defects or external
// failure carried by err.
func (m *Metrics) ObserveBacktest(mode domain.RunMode, outcome string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.backtests.WithLabelValues(string(mode), outcome).Inc()
	m.backtestDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())

	if err == nil {
		return
	}
	if defects, ok := domain.AsValidationDefects(err); ok {
		for _, code := range defects.Codes() {
			m.defects.WithLabelValues(string(code)).Inc()
		}
	}
	var ext *domain.ExternalServiceError
	if errors.As(err, &ext) {
		m.externalFailures.WithLabelValues(ext.Service).Inc()
	}
}

// ObserveTurn records one conversation turn.
func (m *Metrics) ObserveTurn(phase domain.Phase) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(string(phase)).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(route string, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
