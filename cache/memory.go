package cache

import (
	"context"
	"sync"
	"time"
)

// janitorInterval is how often expired entries are swept out.
const janitorInterval = time.Minute

type memoryItem[T any] struct {
	value      T
	expiresAt  time.Time
	lastAccess time.Time
}

func (it *memoryItem[T]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// MemoryCache implements Cache on a process-local map.
type MemoryCache[T any] struct {
	mu      sync.RWMutex
	items   map[string]*memoryItem[T]
	options *Options
	done    chan struct{}
	closed  bool
}

var _ Cache[string] = (*MemoryCache[string])(nil)

// NewMemoryCache creates a memory cache and starts its expiry sweeper.
func NewMemoryCache[T any](options *Options) *MemoryCache[T] {
	if options == nil {
		options = DefaultOptions()
	}

	c := &MemoryCache[T]{
		items:   make(map[string]*memoryItem[T]),
		options: options,
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the cached value or ErrCacheMiss.
func (c *MemoryCache[T]) Get(ctx context.Context, key string) (T, error) {
	var empty T
	if key == "" {
		return empty, ErrInvalidKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return empty, ErrCacheClosed
	}

	item, ok := c.items[key]
	if !ok {
		return empty, ErrCacheMiss
	}
	now := time.Now()
	if item.expired(now) {
		delete(c.items, key)
		return empty, ErrCacheMiss
	}
	item.lastAccess = now
	return item.value, nil
}

// Set stores the value, evicting the least recently used entry when the
// item bound is hit.
func (c *MemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}

	now := time.Now()
	item := &memoryItem[T]{value: value, lastAccess: now}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}

	if _, exists := c.items[key]; !exists && c.options.MaxItems > 0 && len(c.items) >= c.options.MaxItems {
		c.evictOldest()
	}
	c.items[key] = item
	return nil
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *MemoryCache[T]) evictOldest() {
	var oldestKey string
	var oldestAccess time.Time
	for key, item := range c.items {
		if oldestKey == "" || item.lastAccess.Before(oldestAccess) {
			oldestKey = key
			oldestAccess = item.lastAccess
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// Delete removes the key.
func (c *MemoryCache[T]) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	delete(c.items, key)
	return nil
}

// Clear drops every entry.
func (c *MemoryCache[T]) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.items = make(map[string]*memoryItem[T])
	return nil
}

// Close stops the sweeper and marks the cache closed.
func (c *MemoryCache[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.items = nil
	return nil
}

// janitor sweeps expired entries until Close.
func (c *MemoryCache[T]) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			for key, item := range c.items {
				if item.expired(now) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
