// Package cache defines the contract shared by the durable cache tiers.
package cache

import (
	"context"
	"errors"

	"github.com/cinedex/cinedex/pkg/models"
)

// ErrNotFound is returned by a Durable tier when a key is absent.
var ErrNotFound = errors.New("cache: key not found")

// Durable is a slower key/value tier that survives restarts. Implementations
// store entries verbatim, including expired ones; expiry decisions belong to
// the caller.
type Durable interface {
	// Load returns the entry for key or ErrNotFound.
	Load(ctx context.Context, key string) (models.CacheEntry, error)
	// Save stores entry, replacing any previous value.
	Save(ctx context.Context, entry models.CacheEntry) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// RemoveMatching deletes keys that start with prefix and contain substr.
	// An empty substr matches every key under prefix.
	RemoveMatching(ctx context.Context, prefix, substr string) (int, error)
	// Close releases the underlying storage.
	Close() error
}
