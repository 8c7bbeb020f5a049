// Package badger implements the durable cache tier on BadgerDB.
//
// Entries are stored as a JSON envelope carrying their own deadline instead
// of using Badger's native TTL, so an expired entry can still be served by
// stale reads until something removes it.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/cinedex/cinedex/pkg/cache"
	"github.com/cinedex/cinedex/pkg/models"
)

type envelope struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Store is a cache.Durable backed by a Badger database. The database may be
// shared with other data under different key prefixes.
type Store struct {
	db     *badger.DB
	ownsDB bool
}

var _ cache.Durable = (*Store)(nil)

// New wraps an already-open database. Close does not close db.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens a database at path. An empty path opens an in-memory database.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, ownsDB: true}, nil
}

// Load returns the entry for key.
func (s *Store) Load(ctx context.Context, key string) (models.CacheEntry, error) {
	var env envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return cache.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if err != nil {
		return models.CacheEntry{}, err
	}

	return models.CacheEntry{
		Key:       key,
		Value:     env.Value,
		ExpiresAt: time.UnixMilli(env.ExpiresAt).UTC(),
	}, nil
}

// Save stores entry.
func (s *Store) Save(ctx context.Context, entry models.CacheEntry) error {
	data, err := json.Marshal(envelope{Value: entry.Value, ExpiresAt: entry.ExpiresAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entry.Key), data)
	})
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// RemoveMatching deletes keys under prefix whose remainder contains substr.
func (s *Store) RemoveMatching(ctx context.Context, prefix, substr string) (int, error) {
	if substr == "" {
		n, err := s.countPrefix(prefix)
		if err != nil {
			return 0, err
		}
		if err := s.db.DropPrefix([]byte(prefix)); err != nil {
			return 0, fmt.Errorf("drop prefix: %w", err)
		}
		return n, nil
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			k := it.Item().KeyCopy(nil)
			if strings.Contains(string(k[len(p):]), substr) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan prefix: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush deletes: %w", err)
	}
	return len(keys), nil
}

func (s *Store) countPrefix(prefix string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan prefix: %w", err)
	}
	return n, nil
}

// Close closes the database if this Store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
