// Package tiered is the client-side response cache: a memory tier in front
// of an optional durable tier, with read-through promotion and best-effort
// durable writes.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cinedex/cinedex/pkg/cache"
	"github.com/cinedex/cinedex/pkg/cache/memory"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/models"
)

const (
	DefaultPrefix = "cache_"
	DefaultTTL    = time.Hour

	durableTimeout = 5 * time.Second
)

// Cache is safe for concurrent use.
type Cache struct {
	mem        *memory.Store
	durable    cache.Durable
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time
	log        zerolog.Logger
	metrics    *metrics.Metrics
	layer      string

	queueSize int
	queue     chan write
	queueMu   sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	shared    bool

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix sets the durable key namespace.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithDefaultTTL sets the TTL used by SetDefault.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithClock overrides the time source for both tiers.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLayer sets the layer label on cache metrics. Defaults to client.
func WithLayer(layer string) Option {
	return func(c *Cache) { c.layer = layer }
}

// WithAsyncWrites routes durable saves through a write-behind queue of the
// given size, drained by a single worker. Saves are dropped when the queue is
// full. A size of zero keeps writes synchronous.
func WithAsyncWrites(queueSize int) Option {
	return func(c *Cache) { c.queueSize = queueSize }
}

// New creates a Cache. durable may be nil for a memory-only cache.
func New(durable cache.Durable, opts ...Option) *Cache {
	c := &Cache{
		durable:    durable,
		prefix:     DefaultPrefix,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		log:        zerolog.Nop(),
		layer:      metrics.LayerClient,
	}
	for _, o := range opts {
		o(c)
	}
	c.mem = memory.New(memory.WithClock(c.now))

	if c.durable != nil && c.queueSize > 0 {
		c.queue = make(chan write, c.queueSize)
		c.wg.Add(1)
		go c.writer()
	}
	return c
}

// Namespace returns a cache over the same durable tier under another key
// prefix, with its own memory tier and synchronous durable writes. Clearing
// either cache leaves the other's keys alone. Closing the namespace does not
// close the shared durable tier.
func (c *Cache) Namespace(prefix string) *Cache {
	return &Cache{
		mem:        memory.New(memory.WithClock(c.now)),
		durable:    c.durable,
		prefix:     prefix,
		defaultTTL: c.defaultTTL,
		now:        c.now,
		log:        c.log,
		metrics:    c.metrics,
		layer:      c.layer,
		shared:     true,
	}
}

// Get returns a live value from memory, then from the durable tier. A durable
// hit is copied back into memory. Expired entries are removed from whichever
// tier held them.
func (c *Cache) Get(key string) ([]byte, bool) {
	if entry, ok := c.mem.GetEntry(key); ok {
		c.hit()
		return entry.Value, true
	}
	if c.durable == nil {
		c.miss()
		return nil, false
	}

	ctx, cancel := c.opContext()
	defer cancel()

	entry, err := c.durable.Load(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.durableFailed("load", key, err)
		}
		c.miss()
		return nil, false
	}

	if entry.Expired(c.now()) {
		if err := c.durable.Remove(ctx, c.prefix+key); err != nil {
			c.durableFailed("remove", key, err)
		}
		c.miss()
		return nil, false
	}

	entry.Key = key
	c.mem.Put(entry)
	c.log.Debug().Str("key", key).Msg("promoted durable cache entry")
	c.hit()
	return entry.Value, true
}

// GetStale returns an entry from either tier even if it has expired, without
// removing anything.
func (c *Cache) GetStale(key string) (models.CacheEntry, bool) {
	if entry, ok := c.mem.GetStale(key); ok {
		return entry, true
	}
	if c.durable == nil {
		return models.CacheEntry{}, false
	}

	ctx, cancel := c.opContext()
	defer cancel()

	entry, err := c.durable.Load(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.durableFailed("load", key, err)
		}
		return models.CacheEntry{}, false
	}
	entry.Key = key
	return entry, true
}

// Set writes through to both tiers. Durable failures are logged and counted
// but never surface; the memory tier always holds the value.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	entry := models.CacheEntry{Key: key, Value: value, ExpiresAt: c.now().Add(ttl)}
	c.mem.Put(entry)
	if c.durable == nil {
		return
	}

	if c.queue != nil {
		c.enqueue(entry)
		return
	}
	c.save(entry)
}

// SetDefault stores value with the default TTL.
func (c *Cache) SetDefault(key string, value []byte) {
	c.Set(key, value, c.defaultTTL)
}

// Delete removes key from both tiers.
func (c *Cache) Delete(key string) {
	c.mem.Delete(key)
	if c.durable == nil {
		return
	}
	c.flush()
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.durable.Remove(ctx, c.prefix+key); err != nil {
		c.durableFailed("remove", key, err)
	}
}

// Clear removes keys containing pattern from both tiers, or everything in
// the cache namespace when pattern is empty. It returns the total number of
// removals across both tiers.
func (c *Cache) Clear(pattern string) int {
	n := c.mem.Clear(pattern)
	if c.durable == nil {
		return n
	}
	c.flush()

	ctx, cancel := c.opContext()
	defer cancel()
	removed, err := c.durable.RemoveMatching(ctx, c.prefix, pattern)
	if err != nil {
		c.durableFailed("clear", pattern, err)
		return n
	}
	return n + removed
}

// ClearAll empties the memory tier and every durable key in the cache
// namespace. Other data sharing the durable store is left alone.
func (c *Cache) ClearAll() int {
	return c.Clear("")
}

// ClearExpired sweeps expired memory entries along with their durable
// copies. Remaining expired durable keys are removed lazily by Get.
func (c *Cache) ClearExpired() int {
	keys := c.mem.SweepExpired()
	if c.durable != nil && len(keys) > 0 {
		c.flush()
		ctx, cancel := c.opContext()
		defer cancel()
		for _, key := range keys {
			if err := c.durable.Remove(ctx, c.prefix+key); err != nil {
				c.durableFailed("remove", key, err)
			}
		}
	}
	return len(keys)
}

type expiredPurger interface {
	PurgeExpired(ctx context.Context, prefix string) (int, error)
}

type counter interface {
	Count(ctx context.Context, prefix string) (entries, sizeBytes int64, err error)
}

// PurgeExpired removes expired keys from the durable tier when it supports a
// bulk purge, after sweeping memory.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	n := c.ClearExpired()
	p, ok := c.durable.(expiredPurger)
	if !ok {
		return n, nil
	}
	removed, err := p.PurgeExpired(ctx, c.prefix)
	if err != nil {
		return n, fmt.Errorf("purge durable tier: %w", err)
	}
	return n + removed, nil
}

// Stats reports memory tier size with facade-level hit counters.
func (c *Cache) Stats() models.CacheStats {
	st := c.mem.Stats()
	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	return st
}

// DurableStats reports the durable tier's size, if the backend can count.
func (c *Cache) DurableStats(ctx context.Context) (models.CacheStats, bool, error) {
	cnt, ok := c.durable.(counter)
	if !ok {
		return models.CacheStats{}, false, nil
	}
	entries, size, err := cnt.Count(ctx, c.prefix)
	if err != nil {
		return models.CacheStats{}, true, fmt.Errorf("count durable tier: %w", err)
	}
	return models.CacheStats{Entries: entries, SizeBytes: size}, true, nil
}

// Len returns the number of memory tier entries.
func (c *Cache) Len() int {
	return c.mem.Len()
}

// DefaultTTL returns the TTL used by SetDefault.
func (c *Cache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// GenerateKey builds a key from path and params: names sorted, "name=value"
// pairs joined by "&", appended after "?" when any exist. Slice values are
// joined by ",". Nil values are skipped.
func (c *Cache) GenerateKey(path string, params map[string]any) string {
	return GenerateKey(path, params)
}

func GenerateKey(path string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for name, v := range params {
		if v != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return path
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(path)
	for i, name := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(formatValue(params[name]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}

// Close drains pending durable writes and closes the durable tier.
func (c *Cache) Close() error {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return nil
	}
	c.closed = true
	if c.queue != nil {
		close(c.queue)
	}
	c.queueMu.Unlock()

	c.wg.Wait()
	if c.durable == nil || c.shared {
		return nil
	}
	return c.durable.Close()
}

// write is a queued durable save. A write with done set carries no entry;
// the worker closes done when it reaches it.
type write struct {
	entry models.CacheEntry
	done  chan struct{}
}

func (c *Cache) enqueue(entry models.CacheEntry) {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- write{entry: entry}:
	default:
		c.metrics.DroppedWrite()
		c.log.Warn().Str("key", entry.Key).Msg("durable write queue full, dropping write")
	}
}

// flush waits until every save queued so far has reached the durable tier,
// so a following removal cannot be undone by an older queued save.
func (c *Cache) flush() {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.queue == nil || c.closed {
		return
	}
	done := make(chan struct{})
	c.queue <- write{done: done}
	<-done
}

func (c *Cache) writer() {
	defer c.wg.Done()
	for w := range c.queue {
		if w.done != nil {
			close(w.done)
			continue
		}
		c.save(w.entry)
	}
}

func (c *Cache) save(entry models.CacheEntry) {
	ctx, cancel := c.opContext()
	defer cancel()

	key := entry.Key
	entry.Key = c.prefix + key
	if err := c.durable.Save(ctx, entry); err != nil {
		c.durableFailed("save", key, err)
		return
	}
	c.metrics.CacheResult(c.layer, metrics.ResultStore)
}

func (c *Cache) durableFailed(op, key string, err error) {
	c.metrics.DurableError(op)
	c.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("durable cache tier failed")
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.metrics.CacheResult(c.layer, metrics.ResultHit)
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metrics.CacheResult(c.layer, metrics.ResultMiss)
}

func (c *Cache) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), durableTimeout)
}
