// Package metrics provides Prometheus instrumentation for the crash engine.
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
	// RoundsTotal counts rounds by lifecycle outcome (started, resolved, failed).
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_rounds_total",
		Help: "Rounds by lifecycle outcome",
	}, []string{"outcome"})

	// CurrentMultiplier is the live multiplier of the active round, 0 when idle.
	CurrentMultiplier = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_current_multiplier",
		Help: "Live multiplier of the active round",
	})

	// CrashPoints observes the crash point of every resolved round.
	CrashPoints = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crash_point",
		Help:    "Distribution of crash points",
		Buckets: []float64{1.1, 1.25, 1.5, 2, 3, 5, 10, 25, 50, 100},
	})

	// BetsTotal counts accepted bets by currency.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_bets_total",
		Help: "Accepted bets",
	}, []string{"currency"})

	// CashoutsTotal counts successful cashouts by currency.
	CashoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_cashouts_total",
		Help: "Successful cashouts",
	}, []string{"currency"})

	// BetsLost counts bets forfeited at crash.
	BetsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_bets_lost_total",
		Help: "Bets forfeited when a round crashed",
	})

	// Rejections counts rejected bet and cashout requests by reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_rejections_total",
		Help: "Rejected bet and cashout requests",
	}, []string{"op", "reason"})

	// ResolveRetries counts version conflicts retried while resolving a round.
	ResolveRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_resolve_retries_total",
		Help: "Round resolution retries after a version conflict",
	})

	// OracleFallbacks counts prices served from a stale cache entry.
	OracleFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_oracle_fallbacks_total",
		Help: "Prices served from last known value after a failed refresh",
	}, []string{"currency"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crash_http_request_duration_seconds",
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

		// Route pattern keeps usernames out of label values.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
