// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"bufio"
	"fmt"
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
	// OperationsTotal counts marketplace operations by name and outcome
	// ("ok" or the failure code).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nftm_operations_total",
		Help: "Marketplace operations by name and outcome",
	}, []string{"op", "result"})

	// OperationLatency tracks end-to-end latency of mutating operations,
	// including collaborator calls.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nftm_operation_latency_seconds",
		Help:    "Marketplace operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ActiveListings tracks the number of listed items.
	ActiveListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nftm_active_listings",
		Help: "Number of currently listed items",
	})

	// ProceedsCredited accumulates seller credits from purchases, in ether.
	ProceedsCredited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nftm_proceeds_credited_eth_total",
		Help: "Proceeds credited to sellers, in ether",
	})

	// ProceedsWithdrawn accumulates successful withdrawals, in ether.
	ProceedsWithdrawn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nftm_proceeds_withdrawn_eth_total",
		Help: "Proceeds paid out to sellers, in ether",
	})

	// Overpayment accumulates payment tendered above the listing price.
	Overpayment = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nftm_overpayment_eth_total",
		Help: "Buyer payment above listing price retained by the marketplace, in ether",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nftm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventDeliveryFailures counts events an emitter failed to deliver.
	EventDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nftm_event_delivery_failures_total",
		Help: "Committed events that could not be delivered to a subscriber",
	})

	// CompensationFailures counts external effects that could not be
	// reversed after a rollback and need manual reconciliation.
	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nftm_compensation_failures_total",
		Help: "Rolled-back transfers or payments whose reversal failed",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nftm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nftm_http_request_duration_seconds",
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

// Hijack implements http.Hijacker so that WebSocket upgrades work through
// the metrics middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}
