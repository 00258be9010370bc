// Package cache provides a small generic TTL+size-bounded cache reused by
// the DAG engine for block result caching and definition-hash lookups.
// Grounded on cklxx-elephant.ai's LLM client factory (internal/infra/llm/factory.go),
// which caches provider clients behind a size-bounded
// hashicorp/golang-lru/v2 cache with a manually-checked expiresAt; this
// package re-expresses the same size+TTL shape directly over the
// library's own expirable.LRU instead of hand-rolling the expiry check.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a generic, size-bounded, TTL-expiring cache.
type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New returns a Cache holding at most size entries, each expiring ttl
// after insertion. size<=0 or ttl<=0 disables the cache: every Get misses
// and every Put is a no-op, the same "size <= 0 disables caching" contract
// the teacher's factory documents for SetCacheOptions.
func New[K comparable, V any](size int, ttl time.Duration) *Cache[K, V] {
	if size <= 0 || ttl <= 0 {
		return &Cache[K, V]{}
	}
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	if c.lru == nil {
		var zero V
		return zero, false
	}
	return c.lru.Get(key)
}

func (c *Cache[K, V]) Put(key K, value V) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, value)
}

func (c *Cache[K, V]) Remove(key K) {
	if c.lru == nil {
		return
	}
	c.lru.Remove(key)
}

func (c *Cache[K, V]) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
