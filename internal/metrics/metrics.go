// Package metrics provides Prometheus instrumentation for the position bot.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpenAttempts counts opening sagas by result (success, rejected, failed, duplicate).
	OpenAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpbot_open_attempts_total",
		Help: "Position opening attempts by result",
	}, []string{"result"})

	// Rollbacks counts compensating orders by outcome (ok, failed).
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpbot_rollbacks_total",
		Help: "Rollback orders after a failed stop-loss placement",
	}, []string{"outcome"})

	// StopLossWrites counts exchange stop-loss writes by source and result.
	StopLossWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpbot_stop_loss_writes_total",
		Help: "Stop-loss writes to the exchange",
	}, []string{"source", "result"})

	// StopLossConflicts counts requests that collided with a pending update.
	StopLossConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpbot_stop_loss_conflicts_total",
		Help: "Stop-loss requests that collided with a pending update",
	})

	// TrailingActivations counts Dormant to Active transitions.
	TrailingActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpbot_trailing_activations_total",
		Help: "Trailing stops activated",
	})

	// ReconcileActions counts reconciler actions (imported, closed, refreshed, emergency_sl).
	ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpbot_reconcile_actions_total",
		Help: "Reconciler actions",
	}, []string{"action"})

	// ClosedPositions counts closes by reason.
	ClosedPositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpbot_closed_positions_total",
		Help: "Closed positions by reason",
	}, []string{"reason"})

	// OpenPositions tracks the number of open positions in the ledger.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_open_positions",
		Help: "Number of open positions",
	})

	// SessionBalance tracks the ledger session balance in USD.
	SessionBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpbot_session_balance_usd",
		Help: "Session balance in USD",
	})

	// ExchangeLatency tracks gateway call latency by endpoint.
	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpbot_exchange_latency_seconds",
		Help:    "Exchange REST call latency in seconds",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	// TickDuration tracks scheduler tick duration by loop.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpbot_tick_duration_seconds",
		Help:    "Scheduler tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpbot_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSince records the elapsed time since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
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
