// Package cache provides a small TTL map guarded by a mutex. Entries expire
// lazily on read and eagerly on Purge.
package cache

import (
	"sync"
	"time"

	"queuebell/internal/clock"
)

type item[V any] struct {
	val V
	exp time.Time
}

type TTL[K comparable, V any] struct {
	mu    sync.Mutex
	clk   clock.Clock
	ttl   time.Duration
	items map[K]item[V]
}

func NewTTL[K comparable, V any](clk clock.Clock, ttl time.Duration) *TTL[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	return &TTL[K, V]{clk: clk, ttl: ttl, items: map[K]item[V]{}}
}

func (c *TTL[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clk.Now().Before(it.exp) {
		delete(c.items, k)
		var zero V
		return zero, false
	}
	return it.val, true
}

func (c *TTL[K, V]) Set(k K, v V) {
	c.mu.Lock()
	c.items[k] = item[V]{val: v, exp: c.clk.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *TTL[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.items, k)
	c.mu.Unlock()
}

// GetOrLoad returns the cached value for k or calls load and caches a
// successful result. load runs without the lock held.
func (c *TTL[K, V]) GetOrLoad(k K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(k, v)
	return v, nil
}

// SetTTL changes the lifetime of entries written from now on.
func (c *TTL[K, V]) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	n := 0
	for k, it := range c.items {
		if !now.Before(it.exp) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
