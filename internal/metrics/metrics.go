// Package metrics provides Prometheus instrumentation for the freight exchange.
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
	// AuctionsTotal counts closed auctions, partitioned by terminal status.
	AuctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_auctions_total",
		Help: "Total number of closed auctions",
	}, []string{"status"})

	// AuctionDuration tracks end-to-end auction latency.
	AuctionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atmx_auction_duration_seconds",
		Help:    "Auction duration from start to close in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// ActiveAuctions tracks auctions between start and close.
	ActiveAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_active_auctions",
		Help: "Number of auctions currently running",
	})

	// BidsTotal counts seller responses by result: accepted, rejected, timeout, error.
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_bids_total",
		Help: "Seller bid responses by result",
	}, []string{"result"})

	// DealPersistFailures counts deal writes that rolled back.
	DealPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_deal_persist_failures_total",
		Help: "Deal and reputation writes that failed and rolled back",
	})

	// HeartbeatTicks counts heartbeat steps.
	HeartbeatTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_heartbeat_ticks_total",
		Help: "Total heartbeat ticks executed",
	})

	// OrdersGenerated counts autogenerated orders by destination city and priority.
	OrdersGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_orders_generated_total",
		Help: "Orders synthesized by the heartbeat",
	}, []string{"city", "priority"})

	// OrdersDropped counts orders never auctioned, by reason (queue_full, expired).
	OrdersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_orders_dropped_total",
		Help: "Orders dropped before reaching an auction",
	}, []string{"reason"})

	// CityInventoryRatio tracks inventory/capacity per monitored city.
	CityInventoryRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_city_inventory_ratio",
		Help: "Current inventory as a fraction of warehouse capacity",
	}, []string{"city"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events a sink could not accept.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_events_dropped_total",
		Help: "Lifecycle events dropped by a full sink buffer",
	}, []string{"sink"})

	// RateLimited counts requests rejected by the API rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_rate_limited_total",
		Help: "HTTP requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
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

// Unwrap exposes the underlying writer so websocket upgrades can hijack it.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
