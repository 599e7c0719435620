// SPDX-License-Identifier: MIT

// Package cache provides the shared key-value store exposed to plugins,
// with TTL support. Keys are namespaced by the caller (plugin id + team id).
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is the plugin-facing key-value contract.
type Cache interface {
	// Get retrieves a value. ok is false when the key is missing or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores a value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the integer stored at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a ttl on an existing key. ok is false when the key is missing.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Del removes a key.
	Del(ctx context.Context, key string) error
}

type entry struct {
	value      string
	expiration time.Time // zero means no expiry
}

func (e *entry) expired() bool {
	return !e.expiration.IsZero() && time.Now().After(e.expiration)
}

// memoryCache is an in-memory Cache for tests and single-process use.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() Cache {
	return &memoryCache{entries: make(map[string]*entry)}
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || e.expired() {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *memoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{value: value}
	if ttl > 0 {
		e.expiration = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *memoryCache) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || e.expired() {
		c.entries[key] = &entry{value: "1"}
		return 1, nil
	}
	n := parseInt(e.value) + 1
	e.value = formatInt(n)
	return n, nil
}

func (c *memoryCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || e.expired() {
		delete(c.entries, key)
		return false, nil
	}
	e.expiration = time.Now().Add(ttl)
	return true, nil
}

func (c *memoryCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
