package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cinedex/cinedex/pkg/cache"
	"github.com/cinedex/cinedex/pkg/cache/badger"
	"github.com/cinedex/cinedex/pkg/cache/memory"
	"github.com/cinedex/cinedex/pkg/cache/sqlite"
	"github.com/cinedex/cinedex/pkg/cache/tiered"
	"github.com/cinedex/cinedex/pkg/config"
	"github.com/cinedex/cinedex/pkg/logging"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/offline"
	"github.com/cinedex/cinedex/pkg/policy"
	"github.com/cinedex/cinedex/pkg/server"
	"github.com/cinedex/cinedex/pkg/tmdb"
)

const defaultConfigPath = "cinedex.yaml"

// loadConfig reads path. A missing default config file yields the defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		cfg = config.Default()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("init logging: %w", err)
	}
	return log, nil
}

func openDurable(backend, path string) (cache.Durable, error) {
	switch backend {
	case config.BackendMemory, "":
		return nil, nil
	case config.BackendSQLite:
		s, err := sqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, nil
	case config.BackendBadger:
		s, err := badger.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

// newServerCache returns the response cache and the store for offline
// copies: two bare memory stores for the memory backend, or a tiered cache
// over the configured durable backend with the copies in their own
// namespace. Stats and clears on the response cache never reach the copies.
func newServerCache(cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (server.Cache, offline.Store, func() error, error) {
	if cfg.Cache.Backend == config.BackendMemory {
		return memory.New(), memory.New(), func() error { return nil }, nil
	}
	durable, err := openDurable(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	c := tiered.New(durable,
		tiered.WithPrefix(cfg.Cache.Prefix),
		tiered.WithLogger(log),
		tiered.WithMetrics(m),
		tiered.WithLayer(metrics.LayerServerDurable),
	)
	return c, c.Namespace(config.OfflinePrefix), c.Close, nil
}

func newClientCache(cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*tiered.Cache, error) {
	durable, err := openDurable(cfg.ClientCache.Backend, cfg.ClientCache.Path)
	if err != nil {
		return nil, err
	}
	return tiered.New(durable,
		tiered.WithPrefix(cfg.ClientCache.Prefix),
		tiered.WithDefaultTTL(cfg.ClientCache.DefaultTTL),
		tiered.WithAsyncWrites(cfg.ClientCache.AsyncWrites),
		tiered.WithLogger(log),
		tiered.WithMetrics(m),
	), nil
}

// newHTTPClient wraps the default transport with the offline fallback when
// enabled, recording copies in store. store is expected to be dedicated to
// offline copies, so keys are written unprefixed.
func newHTTPClient(cfg *config.Config, store offline.Store, log zerolog.Logger, m *metrics.Metrics) (*http.Client, error) {
	client := &http.Client{Timeout: cfg.Upstream.Timeout}
	if !cfg.Offline.Enabled {
		return client, nil
	}

	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	opts := []offline.Option{
		offline.WithDataPaths(strings.TrimRight(u.Path, "/") + "/"),
		offline.WithRetention(cfg.Offline.Retention),
		offline.WithIgnoredParams("api_key"),
		offline.WithPrefix(""),
		offline.WithLogger(log),
		offline.WithMetrics(m),
	}
	if cfg.Offline.Document != "" {
		doc, err := os.ReadFile(cfg.Offline.Document)
		if err != nil {
			return nil, fmt.Errorf("read offline document: %w", err)
		}
		opts = append(opts, offline.WithDocument(doc))
	}
	client.Transport = offline.NewTransport(nil, store, opts...)
	return client, nil
}

// newClient builds an upstream client. With a non-nil responses cache the
// client consults it before every fetch.
func newClient(cfg *config.Config, httpClient *http.Client, responses tmdb.Cache, log zerolog.Logger, m *metrics.Metrics) (*tmdb.Client, error) {
	opts := []tmdb.Option{
		tmdb.WithHTTPClient(httpClient),
		tmdb.WithLogger(log),
		tmdb.WithMetrics(m),
		tmdb.WithDefaultTTL(cfg.ClientCache.DefaultTTL),
		tmdb.WithPolicies(clientPolicies(cfg)),
	}
	if responses != nil {
		opts = append(opts, tmdb.WithCache(responses))
	}
	return tmdb.New(cfg.Upstream, opts...)
}

// clientPolicies returns the configured client TTL rules, or the defaults
// keyed by upstream path.
func clientPolicies(cfg *config.Config) *policy.Table {
	if len(cfg.ClientCache.Policies) == 0 {
		return tmdb.DefaultPolicies()
	}
	return policy.New(cfg.ClientCache.Policies)
}
