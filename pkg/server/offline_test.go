package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinedex/cinedex/pkg/cache/sqlite"
	"github.com/cinedex/cinedex/pkg/cache/tiered"
	"github.com/cinedex/cinedex/pkg/config"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/models"
	"github.com/cinedex/cinedex/pkg/offline"
	"github.com/cinedex/cinedex/pkg/tmdb"
)

// switchableNet fails every round trip while down.
type switchableNet struct {
	mu   sync.Mutex
	down bool
}

func (n *switchableNet) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *switchableNet) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	down := n.down
	n.mu.Unlock()
	if down {
		return nil, errors.New("network unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type offlineStack struct {
	server    *Server
	responses *tiered.Cache
	net       *switchableNet
}

// newOfflineStack wires a real upstream client behind the offline transport,
// sharing one sqlite file between the response cache and the offline copies.
// The upstream answers "Old" first and "Fresh" afterwards.
func newOfflineStack(t *testing.T) *offlineStack {
	t.Helper()
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title := "Fresh"
		if calls.Add(1) == 1 {
			title = "Old"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.MoviePage{Page: 1, Results: []models.Movie{{ID: 1, Title: title}}, TotalPages: 1})
	}))
	t.Cleanup(upstream.Close)

	durable, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	responses := tiered.New(durable, tiered.WithPrefix("cache_"))
	t.Cleanup(func() { responses.Close() })

	cfg := config.Default()
	cfg.Upstream.URL = upstream.URL + "/3"
	net := &switchableNet{}
	transport := offline.NewTransport(net, responses.Namespace(config.OfflinePrefix),
		offline.WithDataPaths("/3/"),
		offline.WithIgnoredParams("api_key"),
		offline.WithPrefix(""),
	)
	client, err := tmdb.New(cfg.Upstream, tmdb.WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)

	s := New(cfg, client, responses, WithLogger(zerolog.Nop()), WithMetrics(metrics.New()))
	return &offlineStack{server: s, responses: responses, net: net}
}

func firstTitle(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var p models.MoviePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.NotEmpty(t, p.Results)
	return p.Results[0].Title
}

func TestOfflineCopyIsNotStoredAsFresh(t *testing.T) {
	st := newOfflineStack(t)

	rec := do(st.server, http.MethodGet, "/api/trending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	st.responses.ClearAll()

	st.net.setDown(true)
	rec = do(st.server, http.MethodGet, "/api/trending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STALE", rec.Header().Get("X-Cache"))
	assert.Equal(t, "Old", firstTitle(t, rec))
	assert.Equal(t, 0, st.responses.Len())

	st.net.setDown(false)
	rec = do(st.server, http.MethodGet, "/api/trending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "Fresh", firstTitle(t, rec))
}

func TestCacheAdminLeavesOfflineCopies(t *testing.T) {
	st := newOfflineStack(t)

	require.Equal(t, http.StatusOK, do(st.server, http.MethodGet, "/api/trending").Code)

	var stats cacheStatsResponse
	require.NoError(t, json.Unmarshal(do(st.server, http.MethodGet, "/api/cache/stats").Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Entries)

	durable, ok, err := st.responses.DurableStats(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), durable.Entries)

	rec := do(st.server, http.MethodDelete, "/api/cache")
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared struct {
		Cleared int `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.Equal(t, 2, cleared.Cleared)

	st.net.setDown(true)
	rec = do(st.server, http.MethodGet, "/api/trending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STALE", rec.Header().Get("X-Cache"))
	assert.Equal(t, "Old", firstTitle(t, rec))
}
