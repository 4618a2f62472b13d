// Copyright 2024-2026 Aiku AI

package relay

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCacheSize = 300
	DefaultCacheTTL  = 10 * time.Second
)

type recencyEntry struct {
	key       RecencyKey
	expiresAt time.Time
}

// RecencyCache is a bounded, time-expiring set of already forwarded keys.
// Entries are kept in insertion order and never refreshed on a hit, so the
// front of the list is always both the oldest and the first to expire.
type RecencyCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	order    *list.List
	entries  map[RecencyKey]*list.Element
}

// RecencyOption customizes a RecencyCache.
type RecencyOption func(*RecencyCache)

// WithClock replaces the cache's time source.
func WithClock(now func() time.Time) RecencyOption {
	return func(c *RecencyCache) {
		c.now = now
	}
}

// NewRecencyCache creates a cache holding at most capacity keys for ttl each.
// Non-positive arguments fall back to the defaults.
func NewRecencyCache(capacity int, ttl time.Duration, opts ...RecencyOption) *RecencyCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &RecencyCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		order:    list.New(),
		entries:  make(map[RecencyKey]*list.Element, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldForward atomically admits key if it is absent and returns true.
// It returns false for every later call until the key's entry expires or is
// evicted by capacity pressure.
func (c *RecencyCache) ShouldForward(key RecencyKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	if elem, ok := c.entries[key]; ok {
		if now.Before(elem.Value.(*recencyEntry).expiresAt) {
			return false
		}
		// Only reachable if the clock stepped backwards.
		c.removeElement(elem)
	}

	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Front())
	}

	elem := c.order.PushBack(&recencyEntry{key: key, expiresAt: now.Add(c.ttl)})
	c.entries[key] = elem
	return true
}

// Len returns the number of entries currently held, expired or not.
func (c *RecencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// purgeExpired drops expired entries from the oldest end. Must hold mu.
func (c *RecencyCache) purgeExpired(now time.Time) {
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if now.Before(elem.Value.(*recencyEntry).expiresAt) {
			return
		}
		c.removeElement(elem)
	}
}

func (c *RecencyCache) removeElement(elem *list.Element) {
	entry := c.order.Remove(elem).(*recencyEntry)
	delete(c.entries, entry.key)
}
