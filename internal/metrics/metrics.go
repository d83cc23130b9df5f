// Package metrics provides Prometheus instrumentation for the exchange core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders, partitioned by side and the
	// fill status they commit with.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "status"})

	// OrdersRejected counts rejected placements by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Total number of orders rejected before booking",
	}, []string{"reason"})

	// OrdersCancelled counts user-initiated cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// TradesMatched counts trades produced by the matching engine.
	TradesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trades_matched_total",
		Help: "Total number of trades matched",
	})

	// MatchLatency tracks end-to-end placement latency, including the
	// matching sweep.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_match_latency_seconds",
		Help:    "Order placement and matching latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MarketsSettled counts completed market settlements.
	MarketsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_markets_settled_total",
		Help: "Total number of markets settled",
	})

	// SettleLatency tracks settlement transaction latency.
	SettleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_settle_latency_seconds",
		Help:    "Market settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OpenMarkets tracks the number of markets accepting orders.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_open_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// OddsPolls counts reference odds poller runs by outcome.
	OddsPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_odds_polls_total",
		Help: "Reference odds poller runs",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
