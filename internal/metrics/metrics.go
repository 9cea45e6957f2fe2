// Package metrics provides Prometheus instrumentation for the challenge engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades by side and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "direction"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeNotional sums traded dollar amounts by side.
	TradeNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_trade_notional_dollars_total",
		Help: "Cumulative traded notional in dollars",
	}, []string{"side"})

	// RiskRejections counts trades rejected by the risk engine, by binding constraint.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_rejections_total",
		Help: "Trades rejected by the risk engine",
	}, []string{"constraint"})

	// ChallengeTransitions counts phase/status transitions.
	ChallengeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_challenge_transitions_total",
		Help: "Challenge state transitions",
	}, []string{"from", "to"})

	// Evaluations counts evaluator runs by outcome.
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_evaluations_total",
		Help: "Challenge evaluations by outcome",
	}, []string{"outcome"})

	// ActiveChallenges is the number of active challenges seen by the last sweep.
	ActiveChallenges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_active_challenges",
		Help: "Number of active challenges at the last monitor sweep",
	})

	// Payouts counts payout state changes by resulting status.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_payouts_total",
		Help: "Payout state changes by resulting status",
	}, []string{"status"})

	// PayoutNet sums net payout dollars completed.
	PayoutNet = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_payout_net_dollars_total",
		Help: "Net payout dollars completed",
	})

	// LedgerDrift is the absolute balance drift found per challenge by the last
	// reconciliation, only for challenges out of tolerance.
	LedgerDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_ledger_drift_dollars",
		Help: "Absolute ledger drift for challenges out of tolerance",
	}, []string{"challenge_id"})

	// LedgerMismatches counts reconciliation failures.
	LedgerMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_ledger_mismatches_total",
		Help: "Ledger reconciliation failures by kind",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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

		// Route pattern keeps challenge and payout IDs out of the labels.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack passes through to the underlying writer so the websocket upgrade
// works behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
