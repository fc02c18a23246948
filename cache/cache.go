// Package cache provides a generic read cache with two backends: an
// in-process map for single-node runs and tests, and Redis for sharing a
// cache between processes. Values are JSON-encoded on the wire backends.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCacheMiss is returned when the key is not cached. Treat it as a
	// signal to fall through to the store, never as a failure.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheClosed is returned when operating on a closed cache.
	ErrCacheClosed = errors.New("cache is closed")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Cache stores values of type T under string keys with a TTL.
type Cache[T any] interface {
	// Get returns the cached value or ErrCacheMiss.
	Get(ctx context.Context, key string) (T, error)

	// Set stores the value. A ttl of 0 selects the configured default.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear drops every entry this cache owns.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Options configure a cache instance.
type Options struct {
	// DefaultTTL applies when Set is called with ttl 0.
	DefaultTTL time.Duration

	// MaxItems bounds the in-memory backend; the least recently used
	// entry is evicted at the bound. 0 means unbounded. Ignored by Redis.
	MaxItems int
}

// DefaultOptions returns the options used when nil is passed.
func DefaultOptions() *Options {
	return &Options{
		DefaultTTL: 5 * time.Minute,
		MaxItems:   10000,
	}
}
