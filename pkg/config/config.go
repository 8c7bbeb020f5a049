package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cinedex/cinedex/pkg/logging"
	"github.com/cinedex/cinedex/pkg/policy"
)

// Config holds all cinedex configuration.
type Config struct {
	Listen      string            `yaml:"listen" validate:"required"`
	Log         logging.Config    `yaml:"log"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Cache       CacheConfig       `yaml:"cache"`
	ClientCache ClientCacheConfig `yaml:"client_cache"`
	Offline     OfflineConfig     `yaml:"offline"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	CORS        CORSConfig        `yaml:"cors"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// UpstreamConfig describes the movie metadata API.
type UpstreamConfig struct {
	URL       string        `yaml:"url" validate:"required,url"`
	APIKey    string        `yaml:"api_key"`
	Language  string        `yaml:"language"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	RateLimit float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst     int           `yaml:"burst" validate:"gte=0"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	MaxFailures      uint32        `yaml:"max_failures"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// Durable cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// CacheConfig controls the server-side response cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DedupeMisses  bool          `yaml:"dedupe_misses"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	Backend       string        `yaml:"backend" validate:"oneof=memory sqlite badger"`
	Path          string        `yaml:"path" validate:"required_unless=Backend memory"`
	Prefix        string        `yaml:"prefix" validate:"required_unless=Backend memory"`
	Policies      []policy.Rule `yaml:"policies" validate:"dive"`
}

// PolicyTable returns the configured rules, or the defaults when none are set.
func (c CacheConfig) PolicyTable() *policy.Table {
	if len(c.Policies) == 0 {
		return policy.Default()
	}
	return policy.New(c.Policies)
}

// ClientCacheConfig controls the client-side cache used by the CLI and MCP
// server when talking to the upstream API.
type ClientCacheConfig struct {
	DefaultTTL  time.Duration `yaml:"default_ttl" validate:"gt=0"`
	Prefix      string        `yaml:"prefix" validate:"required"`
	Backend     string        `yaml:"backend" validate:"oneof=memory sqlite badger"`
	Path        string        `yaml:"path" validate:"required_unless=Backend memory"`
	AsyncWrites int           `yaml:"async_writes" validate:"gte=0"`
	Policies    []policy.Rule `yaml:"policies" validate:"dive"`
}

// OfflinePrefix is the durable key namespace of offline fallback copies. It
// shares a durable store with the response caches but is never counted or
// cleared by them.
const OfflinePrefix = "offline_"

// OfflineConfig controls the offline fallback transport.
type OfflineConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention" validate:"gt=0"`
	Document  string        `yaml:"document"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// RateLimitConfig bounds API requests per client IP. Zero Requests disables
// the limit.
type RateLimitConfig struct {
	Requests int           `yaml:"requests" validate:"gte=0"`
	Window   time.Duration `yaml:"window" validate:"required_with=Requests,gte=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":5000",
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Upstream: UpstreamConfig{
			URL:       "https://api.themoviedb.org/3",
			Language:  "en-US",
			Timeout:   10 * time.Second,
			RateLimit: 40,
			Burst:     20,
			Breaker: BreakerConfig{
				MaxFailures:      5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Cache: CacheConfig{
			Enabled:       true,
			SweepInterval: time.Minute,
			Backend:       BackendMemory,
			Prefix:        "cache_",
		},
		ClientCache: ClientCacheConfig{
			DefaultTTL: time.Hour,
			Prefix:     "cache_",
			Backend:    BackendSQLite,
			Path:       "cinedex-client.db",
		},
		Offline: OfflineConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Requests: 300,
			Window:   time.Minute,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, prefix := range map[string]string{
		"cache.prefix":        c.Cache.Prefix,
		"client_cache.prefix": c.ClientCache.Prefix,
	} {
		if prefix != "" && strings.HasPrefix(OfflinePrefix, prefix) {
			return fmt.Errorf("invalid config: %s %q overlaps the offline namespace %q", name, prefix, OfflinePrefix)
		}
	}
	return nil
}
