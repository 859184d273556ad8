// Package metrics provides Prometheus instrumentation for the automation engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts automation cycles, partitioned by outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratsim_automation_cycles_total",
		Help: "Total automation cycles run",
	}, []string{"status"})

	// CycleDuration tracks end-to-end cycle duration.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratsim_automation_cycle_duration_seconds",
		Help:    "Automation cycle duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// StrategiesChecked counts strategies selected for evaluation.
	StrategiesChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratsim_strategies_checked_total",
		Help: "Strategies selected for automation evaluation",
	})

	// RulesEvaluated counts rule evaluations by rule type.
	RulesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratsim_rules_evaluated_total",
		Help: "Automation rule evaluations",
	}, []string{"type"})

	// RulesFired counts rules that decided to execute, by rule type.
	RulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratsim_rules_fired_total",
		Help: "Automation rules that fired",
	}, []string{"type"})

	// TradesExecuted counts ledger trades applied, by direction.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratsim_trades_executed_total",
		Help: "Trades applied to the ledger",
	}, []string{"direction"})

	// ExecutionsFailed counts rule executions that ended in failure.
	ExecutionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratsim_executions_failed_total",
		Help: "Rule executions that failed",
	}, []string{"type"})

	// QuoteFailures counts per-symbol price lookup failures.
	QuoteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratsim_quote_failures_total",
		Help: "Per-symbol quote lookups that failed",
	})

	// WebSocketClients tracks connected notification clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratsim_websocket_clients",
		Help: "Number of connected WebSocket notification clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stratsim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
