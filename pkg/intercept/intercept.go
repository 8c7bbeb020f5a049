// Package intercept provides the HTTP middleware that serves GET responses
// from a cache and stores fresh successful JSON responses under the TTL of
// the first matching policy rule.
package intercept

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cinedex/cinedex/pkg/cachekey"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/policy"
)

// HeaderCache reports whether a response came from the cache. A handler that
// answers from an offline copy sets it to CacheStale, and such responses are
// never stored.
const (
	HeaderCache = "X-Cache"
	CacheStale  = "STALE"
)

// Store is the cache the intercept reads and writes. Implementations must
// treat failures as misses or dropped writes; they have no error channel.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
}

type Intercept struct {
	store   Store
	table   *policy.Table
	dedupe  bool
	group   singleflight.Group
	log     zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Intercept)

// WithDedupe makes concurrent misses on the same key share one handler run.
// The shared run does not inherit the cancellation of the request that
// started it, so one client going away does not fail the others waiting on
// the same key. Request values stay visible.
func WithDedupe(enabled bool) Option {
	return func(i *Intercept) { i.dedupe = enabled }
}

func WithLogger(log zerolog.Logger) Option {
	return func(i *Intercept) { i.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Intercept) { i.metrics = m }
}

// New creates an Intercept over store using table to decide what to cache.
func New(store Store, table *policy.Table, opts ...Option) *Intercept {
	i := &Intercept{
		store: store,
		table: table,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Handler wraps next with the cache.
func (i *Intercept) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			i.metrics.CacheResult(metrics.LayerServer, metrics.ResultBypass)
			next.ServeHTTP(w, r)
			return
		}
		rule, ok := i.table.Match(r.URL.Path)
		if !ok {
			i.metrics.CacheResult(metrics.LayerServer, metrics.ResultBypass)
			next.ServeHTTP(w, r)
			return
		}

		key := cachekey.FromRequest(r)
		log := i.log.With().Str("key", key).Logger()

		if body, ok := i.get(key); ok {
			i.metrics.CacheResult(metrics.LayerServer, metrics.ResultHit)
			log.Debug().Msg("cache hit")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderCache, "HIT")
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		i.metrics.CacheResult(metrics.LayerServer, metrics.ResultMiss)

		store := func(c *Capture) {
			if !cacheable(c) {
				return
			}
			i.set(key, c.Body(), rule.TTL)
			i.metrics.CacheResult(metrics.LayerServer, metrics.ResultStore)
			log.Debug().Dur("ttl", rule.TTL).Msg("cached response")
		}
		miss := http.Header{HeaderCache: []string{"MISS"}}

		if !i.dedupe {
			c := NewCapture(store)
			next.ServeHTTP(c, r)
			c.Commit(w, miss)
			return
		}

		v, _, shared := i.group.Do(key, func() (any, error) {
			return runCaptured(next, r.WithContext(context.WithoutCancel(r.Context())), store), nil
		})
		res := v.(result)
		if res.panicked {
			panic(res.panicVal)
		}
		if shared {
			i.metrics.CacheResult(metrics.LayerServer, metrics.ResultShared)
		}
		res.resp.writeTo(w, miss)
	})
}

type result struct {
	resp     response
	panicked bool
	panicVal any
}

// runCaptured runs next into a Capture and commits it to a snapshot. Panics
// are returned rather than raised so singleflight waiters each re-panic on
// their own goroutine.
func runCaptured(next http.Handler, r *http.Request, beforeSend func(*Capture)) (res result) {
	defer func() {
		if p := recover(); p != nil {
			res = result{panicked: true, panicVal: p}
		}
	}()
	c := NewCapture(nil)
	next.ServeHTTP(c, r)
	beforeSend(c)
	return result{resp: c.snapshot()}
}

func cacheable(c *Capture) bool {
	if c.Status() < 200 || c.Status() >= 300 {
		return false
	}
	if c.Header().Get(HeaderCache) == CacheStale {
		return false
	}
	mt, _, err := mime.ParseMediaType(c.Header().Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func (i *Intercept) get(key string) (body []byte, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			i.log.Error().Str("key", key).Str("panic", fmt.Sprint(p)).Msg("cache read panicked")
			body, ok = nil, false
		}
	}()
	return i.store.Get(key)
}

func (i *Intercept) set(key string, body []byte, ttl time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			i.log.Error().Str("key", key).Str("panic", fmt.Sprint(p)).Msg("cache write panicked")
		}
	}()
	i.store.Set(key, append([]byte(nil), body...), ttl)
}
