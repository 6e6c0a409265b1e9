// Package metacache keeps short-lived metadata lookups of the remote
// backend, including negative entries for paths known not to exist.
package metacache

import (
	"path"
	"sync"
	"time"
)

// Result is the outcome of a cache lookup.
type Result int

const (
	Miss Result = iota
	Hit
	// Missing is a live negative entry: the path was looked up and did not exist.
	Missing
)

type entry[V any] struct {
	value      V
	missing    bool
	expiration time.Time
}

// Cache maps paths to values for a fixed TTL.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	now     func() time.Time
}

func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *Cache[V]) Get(key string) (V, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, found := c.entries[key]
	if !found {
		return zero, Miss
	}
	if c.now().After(e.expiration) {
		delete(c.entries, key)
		return zero, Miss
	}
	if e.missing {
		return zero, Missing
	}
	return e.value, Hit
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiration: c.now().Add(c.ttl)}
}

// SetMissing records that key does not exist.
func (c *Cache[V]) SetMissing(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{missing: true, expiration: c.now().Add(c.ttl)}
}

// Invalidate drops key and its parent directory, whose listing changes with it.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.entries, path.Dir(key))
}

// Len counts entries, expired ones included until they are looked up or purged.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge removes expired entries.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, key)
		}
	}
}
