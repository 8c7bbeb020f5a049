package intercept

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinedex/cinedex/pkg/cache/memory"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/policy"
)

func jsonHandler(calls *atomic.Int32, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(body))
	})
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestMissThenHit(t *testing.T) {
	store := memory.New()
	var calls atomic.Int32
	h := New(store, policy.Default()).Handler(jsonHandler(&calls, `{"results":[1]}`))

	first := serve(h, http.MethodGet, "/api/trending?page=1")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(HeaderCache))
	assert.JSONEq(t, `{"results":[1]}`, first.Body.String())

	second := serve(h, http.MethodGet, "/api/trending?page=1")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get(HeaderCache))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"results":[1]}`, second.Body.String())

	assert.Equal(t, int32(1), calls.Load())
}

func TestParamOrderSharesEntry(t *testing.T) {
	store := memory.New()
	var calls atomic.Int32
	h := New(store, policy.Default()).Handler(jsonHandler(&calls, `{}`))

	serve(h, http.MethodGet, "/api/search?q=alien&page=2")
	rec := serve(h, http.MethodGet, "/api/search?page=2&q=alien")

	assert.Equal(t, "HIT", rec.Header().Get(HeaderCache))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNonGETPassesThrough(t *testing.T) {
	store := memory.New()
	var calls atomic.Int32
	h := New(store, policy.Default()).Handler(jsonHandler(&calls, `{}`))

	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := serve(h, m, "/api/trending")
		assert.Empty(t, rec.Header().Get(HeaderCache))
	}

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnmatchedPathNotCached(t *testing.T) {
	store := memory.New()
	var calls atomic.Int32
	h := New(store, policy.Default()).Handler(jsonHandler(&calls, `{}`))

	serve(h, http.MethodGet, "/api/movies/42")
	rec := serve(h, http.MethodGet, "/api/movies/42")

	assert.Empty(t, rec.Header().Get(HeaderCache))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandlerErrorsNotCached(t *testing.T) {
	store := memory.New()
	h := New(store, policy.Default()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream"}`))
	}))

	rec := serve(h, http.MethodGet, "/api/popular")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
	assert.Equal(t, 0, store.Len())
}

func TestNonJSONNotCached(t *testing.T) {
	store := memory.New()
	h := New(store, policy.Default()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))

	serve(h, http.MethodGet, "/api/genres")
	assert.Equal(t, 0, store.Len())
}

func TestStaleResponsesNotCached(t *testing.T) {
	for _, dedupe := range []bool{false, true} {
		store := memory.New()
		h := New(store, policy.Default(), WithDedupe(dedupe)).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderCache, CacheStale)
			w.Write([]byte(`{"results":["old"]}`))
		}))

		rec := serve(h, http.MethodGet, "/api/trending")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, CacheStale, rec.Header().Get(HeaderCache), "dedupe=%v", dedupe)
		assert.Equal(t, 0, store.Len(), "dedupe=%v", dedupe)
	}
}

func TestHandlerPanicStoresNothing(t *testing.T) {
	store := memory.New()
	h := New(store, policy.Default()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"partial":`))
		panic("boom")
	}))

	assert.Panics(t, func() { serve(h, http.MethodGet, "/api/upcoming") })
	assert.Equal(t, 0, store.Len())
}

func TestStoredWithPolicyTTL(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	var calls atomic.Int32
	h := New(store, policy.Default()).Handler(jsonHandler(&calls, `{}`))

	serve(h, http.MethodGet, "/api/trending")

	entry, ok := store.GetStale("/api/trending")
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), entry.ExpiresAt)
}

type panicStore struct{}

func (panicStore) Get(string) ([]byte, bool)           { panic("read failed") }
func (panicStore) Set(string, []byte, time.Duration) { panic("write failed") }

func TestStoreFailureDoesNotAffectResponse(t *testing.T) {
	var calls atomic.Int32
	h := New(panicStore{}, policy.Default()).Handler(jsonHandler(&calls, `{"ok":true}`))

	rec := serve(h, http.MethodGet, "/api/trending")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestDedupeSharesHandlerRun(t *testing.T) {
	store := memory.New()
	m := metrics.New()
	release := make(chan struct{})
	var calls atomic.Int32

	h := New(store, policy.Default(), WithDedupe(true), WithMetrics(m)).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			<-release
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"n":1}`))
		}))

	const n = 8
	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i] = serve(h, http.MethodGet, "/api/now-playing")
		}()
	}

	// Let the waiters pile up behind the leader.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, rec := range recs {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"n":1}`, rec.Body.String())
	}
	assert.Less(t, calls.Load(), int32(n))
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, float64(n), testutil.ToFloat64(m.CacheRequests.WithLabelValues(metrics.LayerServer, metrics.ResultMiss))+
		testutil.ToFloat64(m.CacheRequests.WithLabelValues(metrics.LayerServer, metrics.ResultHit)))
}

func TestDedupeRunIgnoresCallerCancellation(t *testing.T) {
	store := memory.New()
	h := New(store, policy.Default(), WithDedupe(true)).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Context().Err() != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"n":1}`))
		}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/now-playing", nil).WithContext(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.Len())
}

func TestCaptureCommitRunsHookFirst(t *testing.T) {
	var order []string
	c := NewCapture(func(c *Capture) {
		order = append(order, "hook")
		assert.Equal(t, http.StatusCreated, c.Status())
		assert.Equal(t, "body", string(c.Body()))
	})
	c.Header().Set("X-Test", "1")
	c.WriteHeader(http.StatusCreated)
	c.WriteHeader(http.StatusTeapot)
	c.Write([]byte("body"))

	rec := httptest.NewRecorder()
	require.NoError(t, c.Commit(rec, http.Header{"X-Extra": {"yes"}}))
	order = append(order, "sent")

	assert.Equal(t, []string{"hook", "sent"}, order)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Test"))
	assert.Equal(t, "yes", rec.Header().Get("X-Extra"))
	assert.Equal(t, "body", rec.Body.String())

	// extra headers never replace what the handler set.
	c = NewCapture(nil)
	c.Header().Set(HeaderCache, CacheStale)
	rec = httptest.NewRecorder()
	require.NoError(t, c.Commit(rec, http.Header{HeaderCache: {"MISS"}}))
	assert.Equal(t, CacheStale, rec.Header().Get(HeaderCache))
}
