package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cinedex.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":5000" {
		t.Errorf("expected :5000, got %s", cfg.Listen)
	}
	if cfg.ClientCache.DefaultTTL != time.Hour {
		t.Errorf("expected 1h default TTL, got %v", cfg.ClientCache.DefaultTTL)
	}
	if cfg.ClientCache.Prefix != "cache_" {
		t.Errorf("expected cache_ prefix, got %s", cfg.ClientCache.Prefix)
	}
	if cfg.Cache.DedupeMisses {
		t.Error("expected miss de-duplication off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_TMDB_KEY", "tmdb-test-123")

	path := writeConfig(t, `
listen: ":9090"
upstream:
  url: https://api.themoviedb.org/3
  api_key: ${TEST_TMDB_KEY}
  timeout: 5s
cache:
  enabled: true
  dedupe_misses: true
  backend: sqlite
  path: server.db
  policies:
    - match: /api/trending
      ttl: 2m
    - match: /api/genres
      ttl: 12h
rate_limit:
  requests: 50
  window: 10s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Upstream.APIKey != "tmdb-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Upstream.APIKey)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Upstream.Timeout)
	}
	if !cfg.Cache.DedupeMisses {
		t.Error("expected dedupe_misses enabled")
	}
	if cfg.RateLimit.Requests != 50 || cfg.RateLimit.Window != 10*time.Second {
		t.Errorf("expected 50 requests per 10s, got %+v", cfg.RateLimit)
	}

	table := cfg.Cache.PolicyTable()
	rule, ok := table.Match("/api/trending")
	if !ok || rule.TTL != 2*time.Minute {
		t.Errorf("expected configured 2m trending rule, got %+v (matched=%v)", rule, ok)
	}
	if _, ok := table.Match("/api/popular"); ok {
		t.Error("configured policies should replace the defaults")
	}
}

func TestPolicyTableFallsBackToDefaults(t *testing.T) {
	table := CacheConfig{}.PolicyTable()
	rule, ok := table.Match("/api/upcoming")
	if !ok || rule.TTL != time.Hour {
		t.Errorf("expected default 1h upcoming rule, got %+v", rule)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"bad backend", "cache:\n  backend: redis\n", "Backend"},
		{"sqlite without path", "cache:\n  backend: sqlite\n", "Path"},
		{"zero ttl policy", "cache:\n  policies:\n    - match: /api/x\n      ttl: 0s\n", "TTL"},
		{"bad log level", "log:\n  level: loud\n", "Level"},
		{"bad upstream url", "upstream:\n  url: not a url\n", "URL"},
		{"rate limit without window", "rate_limit:\n  requests: 10\n  window: 0s\n", "Window"},
		{"durable cache without prefix", "cache:\n  backend: sqlite\n  path: c.db\n  prefix: \"\"\n", "Prefix"},
		{"cache prefix covers offline copies", "cache:\n  prefix: off\n", "cache.prefix"},
		{"client prefix covers offline copies", "client_cache:\n  prefix: offline_\n", "client_cache.prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error mentioning %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
