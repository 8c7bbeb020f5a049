package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinedex/cinedex/pkg/cache/memory"
)

// switchable fails every request while down is set.
type switchable struct {
	base http.RoundTripper
	down atomic.Bool
}

func (s *switchable) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return s.base.RoundTrip(req)
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/trending":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"page":` + r.URL.Query().Get("page") + `}`))
		case "/api/broken":
			http.Error(w, "nope", http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>live</html>"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *http.Client, url string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServesRecordedCopyWhenOffline(t *testing.T) {
	srv := newUpstream(t)
	net := &switchable{base: http.DefaultTransport}
	store := memory.New()
	c := &http.Client{Transport: NewTransport(net, store)}

	resp, body := get(t, c, srv.URL+"/api/trending?page=1&_=123")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"page":1}`, body)
	assert.Empty(t, resp.Header.Get("X-Cache"))

	net.down.Store(true)

	resp, body = get(t, c, srv.URL+"/api/trending?page=1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "STALE", resp.Header.Get("X-Cache"))
	assert.Equal(t, `{"page":1}`, body)
}

func TestOfflineWithoutCopyIs503(t *testing.T) {
	net := &switchable{base: http.DefaultTransport}
	net.down.Store(true)
	c := &http.Client{Transport: NewTransport(net, memory.New())}

	resp, body := get(t, c, "http://example.invalid/api/popular")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Offline - Data not available", body)
}

func TestNonOKNotRecorded(t *testing.T) {
	srv := newUpstream(t)
	store := memory.New()
	c := &http.Client{Transport: NewTransport(nil, store)}

	resp, _ := get(t, c, srv.URL+"/api/broken")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 0, store.Len())
}

func TestRecordedCopySurvivesExpiry(t *testing.T) {
	srv := newUpstream(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	net := &switchable{base: http.DefaultTransport}
	c := &http.Client{Transport: NewTransport(net, store, WithRetention(time.Minute))}

	get(t, c, srv.URL+"/api/trending?page=2")
	now = now.Add(time.Hour)
	net.down.Store(true)

	resp, body := get(t, c, srv.URL+"/api/trending?page=2")
	assert.Equal(t, "STALE", resp.Header.Get("X-Cache"))
	assert.Equal(t, `{"page":2}`, body)
}

func TestIgnoredParamsExcludedFromKey(t *testing.T) {
	srv := newUpstream(t)
	store := memory.New()
	c := &http.Client{Transport: NewTransport(nil, store, WithIgnoredParams("api_key"))}

	get(t, c, srv.URL+"/api/trending?page=3&api_key=secret")

	_, ok := store.GetStale("offline_/api/trending?page=3")
	assert.True(t, ok)
}

func TestNavigationFallsBackToDocument(t *testing.T) {
	net := &switchable{base: http.DefaultTransport}
	net.down.Store(true)
	c := &http.Client{Transport: NewTransport(net, memory.New(), WithDocument([]byte("<html>offline</html>")))}

	resp, body := get(t, c, "http://example.invalid/movies", "Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>offline</html>", body)

	resp, body = get(t, c, "http://example.invalid/logo.png")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Offline", body)
}

func TestNonGETPassesThrough(t *testing.T) {
	net := &switchable{base: http.DefaultTransport}
	net.down.Store(true)
	c := &http.Client{Transport: NewTransport(net, memory.New())}

	_, err := c.Post("http://example.invalid/api/favorites", "application/json", nil)
	assert.Error(t, err)
}

func TestCanceledRequestIsNotMasked(t *testing.T) {
	srv := newUpstream(t)
	c := &http.Client{Transport: NewTransport(nil, memory.New())}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/trending", nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	assert.ErrorIs(t, err, context.Canceled)
}
