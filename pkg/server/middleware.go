package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cinedex/cinedex/pkg/intercept"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/tmdb"
)

const headerRequestID = "X-Request-ID"

// requestID propagates the caller's X-Request-ID or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// requestLogger attaches a request-scoped logger to the context and logs
// each completed request.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := base.With().Str("request_id", r.Header.Get(headerRequestID)).Logger()
			r = r.WithContext(log.WithContext(r.Context()))

			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Str("cache", rw.Header().Get("X-Cache")).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// markStale sets X-Cache: STALE on responses built from an offline copy of
// an upstream response, which keeps the cache intercept from storing them.
func markStale(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, stale := tmdb.WithStaleTracking(r.Context())
			sw := &staleWriter{ResponseWriter: w, stale: stale, metrics: m}
			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

type staleWriter struct {
	http.ResponseWriter
	stale   func() bool
	metrics *metrics.Metrics
	checked bool
}

func (w *staleWriter) check() {
	if w.checked {
		return
	}
	w.checked = true
	if w.stale() {
		w.Header().Set(intercept.HeaderCache, intercept.CacheStale)
		w.metrics.CacheResult(metrics.LayerServer, metrics.ResultStale)
	}
}

func (w *staleWriter) WriteHeader(code int) {
	w.check()
	w.ResponseWriter.WriteHeader(code)
}

func (w *staleWriter) Write(b []byte) (int, error) {
	w.check()
	return w.ResponseWriter.Write(b)
}

func (w *staleWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
