// Package cache provides the layered read cache the console keeps in
// front of the NoteVault API: an in-process LRU first, optionally backed
// by a shared Redis level so several console replicas reuse each other's
// manifest reads.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound = errors.New("cache: key not found")
	ErrExpired  = errors.New("cache: key expired")
)

// Cache is the interface for cache implementations.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MultiLevel implements L1/L2 caching.
type MultiLevel struct {
	l1 *LRUCache // in-process, fastest
	l2 Cache     // optional shared cache (Redis)

	l1TTL time.Duration
	l2TTL time.Duration

	metrics Metrics
}

// MultiLevelConfig holds multi-level cache configuration.
type MultiLevelConfig struct {
	L1MaxSize int
	L1TTL     time.Duration
	L2TTL     time.Duration
}

// DefaultMultiLevelConfig returns default config. The manifest changes on
// every create/delete, so the L1 TTL stays short.
func DefaultMultiLevelConfig() MultiLevelConfig {
	return MultiLevelConfig{
		L1MaxSize: 1024,
		L1TTL:     15 * time.Second,
		L2TTL:     2 * time.Minute,
	}
}

// NewMultiLevel creates a multi-level cache. l2 may be nil.
func NewMultiLevel(config MultiLevelConfig, l2 Cache) *MultiLevel {
	return &MultiLevel{
		l1:    NewLRUCache(config.L1MaxSize),
		l2:    l2,
		l1TTL: config.L1TTL,
		l2TTL: config.L2TTL,
	}
}

// Get retrieves a value, checking L1 then L2. An L2 hit repopulates L1.
func (c *MultiLevel) Get(ctx context.Context, key string) ([]byte, error) {
	if value, err := c.l1.Get(key); err == nil {
		c.metrics.l1Hits.Add(1)
		return value, nil
	}
	c.metrics.l1Misses.Add(1)

	if c.l2 != nil {
		if value, err := c.l2.Get(ctx, key); err == nil {
			c.metrics.l2Hits.Add(1)
			c.l1.Set(key, value, c.l1TTL)
			return value, nil
		}
		c.metrics.l2Misses.Add(1)
	}

	return nil, ErrNotFound
}

// Set stores a value in both levels, capping each level's TTL.
func (c *MultiLevel) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if l1TTL == 0 || l1TTL > c.l1TTL {
		l1TTL = c.l1TTL
	}
	c.l1.Set(key, value, l1TTL)

	if c.l2 != nil {
		l2TTL := ttl
		if l2TTL == 0 || l2TTL > c.l2TTL {
			l2TTL = c.l2TTL
		}
		return c.l2.Set(ctx, key, value, l2TTL)
	}

	return nil
}

// Delete removes a value from both levels.
func (c *MultiLevel) Delete(ctx context.Context, key string) error {
	c.l1.Delete(key)
	if c.l2 != nil {
		return c.l2.Delete(ctx, key)
	}
	return nil
}

// GetOrLoad gets a cached value or fills the cache from the loader.
func (c *MultiLevel) GetOrLoad(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	value, err := c.Get(ctx, key)
	if err == nil {
		return value, nil
	}

	value, err = loader(ctx)
	if err != nil {
		return nil, err
	}

	c.Set(ctx, key, value, 0)
	return value, nil
}

// Stats returns a point-in-time snapshot of hit/miss counters.
func (c *MultiLevel) Stats() Stats {
	return Stats{
		L1Hits:   c.metrics.l1Hits.Load(),
		L1Misses: c.metrics.l1Misses.Load(),
		L2Hits:   c.metrics.l2Hits.Load(),
		L2Misses: c.metrics.l2Misses.Load(),
	}
}

// Metrics holds live hit/miss counters.
type Metrics struct {
	l1Hits   atomic.Int64
	l1Misses atomic.Int64
	l2Hits   atomic.Int64
	l2Misses atomic.Int64
}

// Stats is an immutable counter snapshot.
type Stats struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
}

// LRUCache is a simple LRU cache implementation.
type LRUCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.RWMutex
}

type lruItem struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache.
func NewLRUCache(capacity int) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a value. The whole lookup runs under the write lock:
// MoveToFront mutates the list, and the item must not be read while a
// concurrent Set rewrites it.
func (c *LRUCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		return nil, ErrNotFound
	}

	item := elem.Value.(*lruItem)
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, ErrExpired
	}

	c.order.MoveToFront(elem)
	return item.value, nil
}

// Set stores a value.
func (c *LRUCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.order.MoveToFront(elem)
		item := elem.Value.(*lruItem)
		item.value = value
		if ttl > 0 {
			item.expiresAt = time.Now().Add(ttl)
		} else {
			item.expiresAt = time.Time{}
		}
		return
	}

	if c.order.Len() >= c.capacity {
		c.evict()
	}

	item := &lruItem{
		key:   key,
		value: value,
	}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	elem := c.order.PushFront(item)
	c.items[key] = elem
}

// Delete removes a value.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// Clear removes all values.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order = list.New()
}

func (c *LRUCache) evict() {
	elem := c.order.Back()
	if elem != nil {
		item := elem.Value.(*lruItem)
		c.order.Remove(elem)
		delete(c.items, item.key)
	}
}

// Size returns current cache size.
func (c *LRUCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}
