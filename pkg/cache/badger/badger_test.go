package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinedex/cinedex/pkg/cache"
	"github.com/cinedex/cinedex/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "cache_/api/genres", Value: []byte(`{"genres":[]}`), ExpiresAt: exp}))

	got, err := s.Load(ctx, "cache_/api/genres")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"genres":[]}`), got.Value)
	assert.True(t, exp.Equal(got.ExpiresAt))
}

func TestExpiredEntriesAreKept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "k", Value: []byte("old"), ExpiresAt: past}))

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.True(t, got.Expired(time.Now()))
	assert.Equal(t, []byte("old"), got.Value)
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, models.CacheEntry{Key: "k", Value: []byte("v"), ExpiresAt: time.Now()}))

	require.NoError(t, s.Remove(ctx, "k"))
	require.NoError(t, s.Remove(ctx, "never-existed"))

	_, err := s.Load(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestRemoveMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for _, k := range []string{"cache_/api/trending", "cache_/api/search?q=trending", "cache_/api/popular", "session:abc"} {
		require.NoError(t, s.Save(ctx, models.CacheEntry{Key: k, Value: []byte("v"), ExpiresAt: exp}))
	}

	n, err := s.RemoveMatching(ctx, "cache_", "trending")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.RemoveMatching(ctx, "cache_", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Load(ctx, "session:abc")
	assert.NoError(t, err)
}

func TestNewDoesNotCloseSharedDB(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	require.NoError(t, s.Close())

	require.NoError(t, s.Save(context.Background(), models.CacheEntry{Key: "k", Value: []byte("v"), ExpiresAt: time.Now()}))
}
