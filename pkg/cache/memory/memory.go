// Package memory implements the volatile cache tier: an expiring key/value
// map held in process memory.
package memory

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cinedex/cinedex/pkg/models"
)

// Store is a concurrency-safe expiring map. Entries leave the store only by
// expiring or by explicit deletion; there is no capacity-based eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
	now     func() time.Time
	hits    atomic.Int64
	misses  atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]models.CacheEntry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value for key if it has not expired. An expired entry is
// removed and reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	entry, ok := s.GetEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry is Get returning the whole entry.
func (s *Store) GetEntry(key string) (models.CacheEntry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}

	if entry.Expired(s.now()) {
		s.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the key.
		if cur, ok := s.entries[key]; ok && cur.Expired(s.now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		s.misses.Add(1)
		return models.CacheEntry{}, false
	}

	s.hits.Add(1)
	return entry, true
}

// GetStale returns the entry for key whether or not it has expired, without
// removing it. It is the fallback path for callers that prefer old data to
// no data.
func (s *Store) GetStale(key string) (models.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Set stores value under key until now+ttl, replacing any previous entry.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	s.Put(models.CacheEntry{Key: key, Value: value, ExpiresAt: s.now().Add(ttl)})
}

// Put stores a prepared entry as-is, keeping its expiry.
func (s *Store) Put(entry models.CacheEntry) {
	s.mu.Lock()
	s.entries[entry.Key] = entry
	s.mu.Unlock()
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear removes every key containing pattern, or every key when pattern is
// empty. It returns the number of removed entries.
func (s *Store) Clear(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern == "" {
		n := len(s.entries)
		s.entries = make(map[string]models.CacheEntry)
		return n
	}

	n := 0
	for key := range s.entries {
		if strings.Contains(key, pattern) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// ClearExpired removes all expired entries and returns how many were removed.
func (s *Store) ClearExpired() int {
	return len(s.SweepExpired())
}

// SweepExpired removes all expired entries and returns their keys.
func (s *Store) SweepExpired() []string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns the entry count, approximate payload size, and hit counters.
func (s *Store) Stats() models.CacheStats {
	s.mu.RLock()
	var size int64
	for _, entry := range s.entries {
		size += int64(len(entry.Value))
	}
	n := int64(len(s.entries))
	s.mu.RUnlock()

	return models.CacheStats{
		Entries:   n,
		SizeBytes: size,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
	}
}
