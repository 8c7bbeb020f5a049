package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cinedex/cinedex/pkg/cache"
	"github.com/cinedex/cinedex/pkg/models"
)

// Store is a durable key/value tier backed by SQLite. The kv table may also
// hold unrelated application data; cache callers keep to their own key prefix.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ cache.Durable = (*Store)(nil)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
`

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used by PurgeExpired.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the database at dbPath and migrates the schema.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY between
	// pooled connections of the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Load retrieves the entry for key, expired or not.
func (s *Store) Load(ctx context.Context, key string) (models.CacheEntry, error) {
	var value []byte
	var expiresAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, cache.ErrNotFound
	}
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("cache load: %w", err)
	}

	return models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
	}, nil
}

// Save stores an entry.
func (s *Store) Save(ctx context.Context, entry models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, expires_at) VALUES (?, ?, ?)`,
		entry.Key, entry.Value, entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache remove: %w", err)
	}
	return nil
}

// RemoveMatching deletes keys starting with prefix that contain substr.
func (s *Store) RemoveMatching(ctx context.Context, prefix, substr string) (int, error) {
	// substr() instead of LIKE: prefixes such as "cache_" contain LIKE wildcards.
	query := `DELETE FROM kv WHERE substr(key, 1, length(?1)) = ?1`
	args := []any{prefix}
	if substr != "" {
		query += ` AND instr(substr(key, length(?1) + 1), ?2) > 0`
		args = append(args, substr)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cache remove matching: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache remove matching: %w", err)
	}
	return int(n), nil
}

// PurgeExpired deletes expired entries under prefix.
func (s *Store) PurgeExpired(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE substr(key, 1, length(?1)) = ?1 AND expires_at <= ?2`,
		prefix, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return int(n), nil
}

// Count returns the number of keys under prefix and their total value size.
func (s *Store) Count(ctx context.Context, prefix string) (entries, sizeBytes int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(length(value)), 0) FROM kv WHERE substr(key, 1, length(?1)) = ?1`,
		prefix,
	).Scan(&entries, &sizeBytes)
	if err != nil {
		return 0, 0, fmt.Errorf("cache count: %w", err)
	}
	return entries, sizeBytes, nil
}

// Put stores a raw value that never expires. It is meant for application
// data sharing the database, and must not use the cache key prefix.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, expires_at) VALUES (?, ?, 0)`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Fetch returns a raw value stored with Put.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv fetch: %w", err)
	}
	return value, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
