// Package metrics holds the Prometheus collectors for cinedex. Each process
// builds one Metrics with its own registry; a nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache layers.
const (
	LayerServer        = "server"
	LayerServerDurable = "server_durable"
	LayerClient        = "client"
	LayerOffline       = "offline"
)

// Cache results.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultStore  = "store"
	ResultBypass = "bypass"
	ResultStale  = "stale"
	ResultShared = "shared"
)

type Metrics struct {
	Registry *prometheus.Registry

	CacheRequests    *prometheus.CounterVec
	DurableErrors    *prometheus.CounterVec
	DroppedWrites    prometheus.Counter
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cinedex_cache_requests_total",
			Help: "Cache lookups and stores by layer and result.",
		}, []string{"layer", "result"}),
		DurableErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cinedex_cache_durable_errors_total",
			Help: "Failed operations against the durable cache tier.",
		}, []string{"op"}),
		DroppedWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "cinedex_cache_dropped_writes_total",
			Help: "Durable writes dropped because the write-behind queue was full.",
		}),
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cinedex_upstream_requests_total",
			Help: "Requests sent to the movie metadata API.",
		}, []string{"endpoint", "status"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cinedex_upstream_request_duration_seconds",
			Help:    "Latency of movie metadata API requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cinedex_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cinedex_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cinedex_http_request_duration_seconds",
			Help:    "Latency of served HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// CacheResult counts one cache outcome.
func (m *Metrics) CacheResult(layer, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(layer, result).Inc()
}

// DurableError counts a failed durable tier operation.
func (m *Metrics) DurableError(op string) {
	if m == nil {
		return
	}
	m.DurableErrors.WithLabelValues(op).Inc()
}

// DroppedWrite counts a write-behind drop.
func (m *Metrics) DroppedWrite() {
	if m == nil {
		return
	}
	m.DroppedWrites.Inc()
}

// Upstream records one upstream call. status is the HTTP status code, or 0
// for transport failures.
func (m *Metrics) Upstream(endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.UpstreamRequests.WithLabelValues(endpoint, label).Inc()
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetBreakerState records a breaker state as reported by gobreaker.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Middleware records request counts and latency labelled by chi route
// pattern, keeping label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
