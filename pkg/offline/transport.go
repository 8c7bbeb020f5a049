// Package offline provides a network-first http.RoundTripper that remembers
// successful data responses and replays them when the network is down.
package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cinedex/cinedex/pkg/cachekey"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/models"
)

const (
	DefaultPrefix    = "offline_"
	DefaultRetention = 7 * 24 * time.Hour

	unavailableData = "Offline - Data not available"
	unavailable     = "Offline"
)

// Store keeps fallback copies. GetStale must return entries regardless of
// expiry.
type Store interface {
	Set(key string, value []byte, ttl time.Duration)
	GetStale(key string) (models.CacheEntry, bool)
}

// Transport is safe for concurrent use.
type Transport struct {
	base      http.RoundTripper
	store     Store
	prefix    string
	retention time.Duration
	dataPaths []string
	ignored   map[string]bool
	document  []byte
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Transport)

// WithDataPaths sets the path markers identifying data requests. A request
// whose path contains any marker is recorded and replayed.
func WithDataPaths(markers ...string) Option {
	return func(t *Transport) { t.dataPaths = markers }
}

// WithRetention sets how long recorded copies are kept.
func WithRetention(d time.Duration) Option {
	return func(t *Transport) { t.retention = d }
}

// WithDocument sets the HTML served for navigation requests while offline.
func WithDocument(doc []byte) Option {
	return func(t *Transport) { t.document = doc }
}

func WithPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithIgnoredParams excludes query parameters, such as credentials, from
// recorded keys. The cache-busting parameter is always excluded.
func WithIgnoredParams(names ...string) Option {
	return func(t *Transport) {
		for _, n := range names {
			t.ignored[n] = true
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, store Store, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:      base,
		store:     store,
		prefix:    DefaultPrefix,
		retention: DefaultRetention,
		dataPaths: []string{"/api/"},
		ignored:   map[string]bool{cachekey.BustParam: true},
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}
	if t.isData(req.URL.Path) {
		return t.roundTripData(req)
	}

	resp, err := t.base.RoundTrip(req)
	if err == nil || canceled(req.Context(), err) {
		return resp, err
	}
	t.log.Warn().Err(err).Str("url", req.URL.Redacted()).Msg("network unavailable")

	if t.document != nil && isNavigation(req) {
		return synthetic(req, http.StatusOK, "text/html; charset=utf-8", t.document, ""), nil
	}
	return synthetic(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte(unavailable), ""), nil
}

func (t *Transport) roundTripData(req *http.Request) (*http.Response, error) {
	key := t.key(req.URL)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if canceled(req.Context(), err) {
			return nil, err
		}
		t.log.Warn().Err(err).Str("key", key).Msg("network unavailable, trying offline copy")

		if entry, ok := t.store.GetStale(key); ok {
			t.metrics.CacheResult(metrics.LayerOffline, metrics.ResultStale)
			return synthetic(req, http.StatusOK, "application/json", entry.Value, "STALE"), nil
		}
		t.metrics.CacheResult(metrics.LayerOffline, metrics.ResultMiss)
		return synthetic(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte(unavailableData), ""), nil
	}

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	t.store.Set(key, body, t.retention)
	t.metrics.CacheResult(metrics.LayerOffline, metrics.ResultStore)
	return resp, nil
}

func (t *Transport) key(u *url.URL) string {
	q := u.Query()
	for name := range t.ignored {
		q.Del(name)
	}
	return t.prefix + cachekey.Generate(u.Path, q)
}

func (t *Transport) isData(path string) bool {
	for _, m := range t.dataPaths {
		if strings.Contains(path, m) {
			return true
		}
	}
	return false
}

func isNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Dest") == "document" ||
		strings.Contains(req.Header.Get("Accept"), "text/html")
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func synthetic(req *http.Request, status int, contentType string, body []byte, cacheHeader string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	if cacheHeader != "" {
		h.Set("X-Cache", cacheHeader)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
