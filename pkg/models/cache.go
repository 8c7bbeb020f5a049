package models

import "time"

// CacheEntry is a cached response body keyed by its request signature.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is no longer servable at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats reports cache size and performance counters.
type CacheStats struct {
	Entries   int64 `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
}

// SizeKB returns SizeBytes in kilobytes.
func (s CacheStats) SizeKB() float64 {
	return float64(s.SizeBytes) / 1024
}

// HitRate returns the hit percentage, or 0 when nothing has been looked up.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
