// Package cache provides a small thread-safe LRU with optional TTL and an
// optional byte budget, used to keep recently fetched chunks in memory.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Bytes     int64
	Capacity  int
	Evictions int64
	Expired   int64
}

// Options configures a Cache.
type Options[V any] struct {
	// Capacity is the maximum number of entries. Zero means 1024.
	Capacity int
	// MaxBytes bounds the summed Cost of all entries. Zero disables the bound.
	MaxBytes int64
	// TTL expires entries that were last written longer ago. Zero disables expiry.
	TTL time.Duration
	// Cost reports the weight of a value against MaxBytes.
	Cost func(V) int64
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Cache is a threadsafe LRU keyed by K.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	ll    *list.List
	items map[K]*list.Element
	opts  Options[V]
	bytes int64
	stats Stats
}

type entry[K comparable, V any] struct {
	key    K
	value  V
	cost   int64
	expire time.Time
}

// New returns a cache configured by opts.
func New[K comparable, V any](opts Options[V]) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[K, V]{
		ll:    list.New(),
		items: make(map[K]*list.Element),
		opts:  opts,
	}
}

// Get retrieves a value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[K, V])
	if c.opts.TTL > 0 && c.opts.Now().After(ent.expire) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or updates a cache entry. A value whose cost alone exceeds
// MaxBytes is not cached.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cost int64
	if c.opts.Cost != nil {
		cost = c.opts.Cost(value)
	}
	if c.opts.MaxBytes > 0 && cost > c.opts.MaxBytes {
		if ele, ok := c.items[key]; ok {
			c.removeElement(ele)
		}
		return
	}
	var expire time.Time
	if c.opts.TTL > 0 {
		expire = c.opts.Now().Add(c.opts.TTL)
	}
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[K, V])
		c.bytes += cost - ent.cost
		ent.value, ent.cost, ent.expire = value, cost, expire
	} else {
		c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value, cost: cost, expire: expire})
		c.bytes += cost
	}
	for c.ll.Len() > c.opts.Capacity || (c.opts.MaxBytes > 0 && c.bytes > c.opts.MaxBytes) {
		c.evictOldest()
	}
}

// Delete removes a key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.ll = list.New()
	c.bytes = 0
}

func (c *Cache[K, V]) evictOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *Cache[K, V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[K, V])
	c.bytes -= ent.cost
	delete(c.items, ent.key)
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Bytes = c.bytes
	s.Capacity = c.opts.Capacity
	return s
}

// Len returns the current number of entries in the cache.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
