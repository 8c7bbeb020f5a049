// Package tmdb is a client for The Movie Database API. Responses can be kept
// in a client-side cache keyed by request path and parameters; the upstream
// is rate limited and guarded by a circuit breaker.
package tmdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/cinedex/cinedex/pkg/cachekey"
	"github.com/cinedex/cinedex/pkg/config"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/policy"
)

const headerCache = "X-Cache"

// ErrUnavailable is returned while the circuit breaker rejects calls.
var ErrUnavailable = errors.New("tmdb: upstream unavailable")

// APIError is a non-2xx upstream response.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tmdb %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("tmdb %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Cache is the client-side response cache.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	GenerateKey(path string, params map[string]any) string
}

// DefaultTTL applies to responses no client policy matches.
const DefaultTTL = time.Hour

// DefaultPolicies are the client-side TTL bands keyed by upstream path.
func DefaultPolicies() *policy.Table {
	return policy.New([]policy.Rule{
		{Match: "/trending/", TTL: 5 * time.Minute},
		{Match: "/genre/", TTL: 24 * time.Hour},
		{Match: "/movie/popular", TTL: 10 * time.Minute},
		{Match: "/movie/now_playing", TTL: 10 * time.Minute},
		{Match: "/movie/upcoming", TTL: time.Hour},
		{Match: "/watch/providers", TTL: 24 * time.Hour},
		{Match: "/search/", TTL: 5 * time.Minute},
		{Match: "/discover/", TTL: 5 * time.Minute},
	})
}

type Client struct {
	baseURL    *url.URL
	apiKey     string
	language   string
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[response]
	cache      Cache
	policies   *policy.Table
	defaultTTL time.Duration
	now        func() time.Time
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

// WithCache enables the client-side response cache.
func WithCache(c Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) { cl.http = h }
}

func WithLogger(log zerolog.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithPolicies sets the TTL table for cached responses.
func WithPolicies(t *policy.Table) Option {
	return func(cl *Client) { cl.policies = t }
}

// WithDefaultTTL sets the TTL for responses no policy matches.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(cl *Client) { cl.defaultTTL = ttl }
}

// WithClock overrides the time source for cache-bust nonces.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// New creates a Client for the API described by cfg.
func New(cfg config.UpstreamConfig, opts ...Option) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	language := cfg.Language
	if language == "" {
		language = "en-US"
	}

	c := &Client{
		baseURL:    u,
		apiKey:     cfg.APIKey,
		language:   language,
		http:       &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		policies:   DefaultPolicies(),
		defaultTTL: DefaultTTL,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "tmdb",
		MaxRequests: cfg.Breaker.HalfOpenRequests,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
			c.metrics.SetBreakerState(name, int(to))
		},
	})
	return c, nil
}

// get fetches path with the default parameters merged under params and
// decodes the response into out. Unless bust is set, a cached copy is used
// when present. Every successful fetch, busted or not, refreshes the cache
// under the key without the bust nonce.
func (c *Client) get(ctx context.Context, endpoint, path string, params map[string]any, bust bool, out any) error {
	merged := map[string]any{
		"language":      c.language,
		"include_adult": false,
	}
	for k, v := range params {
		merged[k] = v
	}

	var key string
	if c.cache != nil {
		key = c.cache.GenerateKey(path, merged)
		if !bust {
			if body, ok := c.cache.Get(key); ok {
				if err := json.Unmarshal(body, out); err == nil {
					return nil
				}
				c.log.Warn().Str("key", key).Msg("discarding undecodable cached response")
			}
		}
	}

	resp, err := c.fetch(ctx, endpoint, path, merged, bust)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}

	// A stale fallback copy must not be re-cached as fresh.
	if resp.stale {
		markStale(ctx)
	}
	if c.cache != nil && !resp.stale {
		c.cache.Set(key, resp.body, c.ttl(path))
	}
	return nil
}

type staleKey struct{}

// WithStaleTracking returns a context that records whether any call made with
// it was answered from an offline copy, and a func reporting that.
func WithStaleTracking(ctx context.Context) (context.Context, func() bool) {
	var flag atomic.Bool
	return context.WithValue(ctx, staleKey{}, &flag), flag.Load
}

func markStale(ctx context.Context) {
	if flag, ok := ctx.Value(staleKey{}).(*atomic.Bool); ok {
		flag.Store(true)
	}
}

// response is an upstream body. stale marks a fallback copy served by an
// offline transport instead of the network.
type response struct {
	body  []byte
	stale bool
}

func (c *Client) ttl(path string) time.Duration {
	if rule, ok := c.policies.Match(path); ok {
		return rule.TTL
	}
	return c.defaultTTL
}

func (c *Client) fetch(ctx context.Context, endpoint, path string, params map[string]any, bust bool) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, fmt.Errorf("rate limit: %w", err)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := make(url.Values, len(params)+2)
	for k, v := range params {
		q.Set(k, formatParam(v))
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	if bust {
		q.Set(cachekey.BustParam, fmt.Sprint(c.now().UnixMilli()))
	}
	u.RawQuery = q.Encode()

	resp, err := c.breaker.Execute(func() (response, error) {
		return c.do(ctx, endpoint, u.String())
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, endpoint, rawURL string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Upstream(endpoint, 0, time.Since(start))
		return response{}, fmt.Errorf("tmdb %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.Upstream(endpoint, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			StatusMessage string `json:"status_message"`
		}
		_ = json.Unmarshal(body, &e)
		return response{}, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: e.StatusMessage}
	}
	return response{body: body, stale: resp.Header.Get(headerCache) == "STALE"}, nil
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	default:
		return fmt.Sprint(x)
	}
}
