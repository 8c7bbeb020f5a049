package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinedex/cinedex/pkg/cache"
	"github.com/cinedex/cinedex/pkg/models"
)

func tempStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	exp := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "cache_/api/genres", Value: []byte(`{"genres":[]}`), ExpiresAt: exp}))

	got, err := s.Load(ctx, "cache_/api/genres")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"genres":[]}`), got.Value)
	assert.True(t, exp.Equal(got.ExpiresAt))
}

func TestLoadMissing(t *testing.T) {
	s := tempStore(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "k", Value: []byte("a"), ExpiresAt: exp}))
	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "k", Value: []byte("b"), ExpiresAt: exp}))

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got.Value)
}

func TestRemove(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "k", Value: []byte("a"), ExpiresAt: time.Now()}))

	require.NoError(t, s.Remove(ctx, "k"))
	require.NoError(t, s.Remove(ctx, "k"))

	_, err := s.Load(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestRemoveMatchingKeepsOtherPrefixes(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for _, k := range []string{"cache_/api/trending?page=1", "cache_/api/popular", "cacheX/api/trending"} {
		require.NoError(t, s.Save(ctx, models.CacheEntry{Key: k, Value: []byte("v"), ExpiresAt: exp}))
	}
	require.NoError(t, s.Put(ctx, "session_abc", []byte("token")))

	n, err := s.RemoveMatching(ctx, "cache_", "trending")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RemoveMatching(ctx, "cache_", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// "_" must not act as a wildcard.
	_, err = s.Load(ctx, "cacheX/api/trending")
	assert.NoError(t, err)

	v, err := s.Fetch(ctx, "session_abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), v)
}

func TestPurgeExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := tempStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "cache_old", Value: []byte("x"), ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "cache_edge", Value: []byte("x"), ExpiresAt: now}))
	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "cache_new", Value: []byte("x"), ExpiresAt: now.Add(time.Minute)}))

	n, err := s.PurgeExpired(ctx, "cache_")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, size, err := s.Count(ctx, "cache_")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries)
	assert.Equal(t, int64(1), size)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "k", Value: []byte("v"), ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}
