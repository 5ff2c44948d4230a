package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	NegativeTTL          time.Duration
	MaxEntries           int
}

type MetricsHooks struct {
	OnHit   func(key string)
	OnMiss  func(key string)
	OnStale func(key string)
	OnError func(key string)
}

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
	staleAt   time.Time
	negative  bool
}

// Cache is a TTL cache whose concurrent misses for one key share a single load.
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
	now     func() time.Time
}

func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   make([]string, 0, 64),
		opts:    opts,
		metrics: hooks,
		now:     time.Now,
	}
}

// Loader produces the value for key on a miss
type Loader[V any] func(ctx context.Context, key string) (V, error)

type loadResult[V any] struct {
	val V
	err error
}

// Get returns the cached value for key, loading it on a miss. Errors are
// only cached when NegativeTTL is set.
func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok {
		if now.Before(e.expiresAt) {
			c.hook(c.metrics.OnHit, key)
			return e.value, e.err
		}
		if !e.negative && now.Before(e.staleAt) {
			// serve stale, refresh once in the background
			c.hook(c.metrics.OnStale, key)
			go func() {
				_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
					val, err := loader(context.WithoutCancel(ctx), key)
					c.store(key, val, err)
					return nil, nil
				})
			}()
			return e.value, nil
		}
		c.Delete(key)
	}

	c.hook(c.metrics.OnMiss, key)
	res, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, err := loader(ctx, key)
		c.store(key, val, err)
		return loadResult[V]{val: val, err: err}, nil
	})
	lr := res.(loadResult[V])
	return lr.val, lr.err
}

func (c *Cache[V]) store(key string, val V, err error) {
	now := c.now()
	e := &entry[V]{}
	if err == nil {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		c.hook(c.metrics.OnError, key)
		if c.opts.NegativeTTL <= 0 {
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
		e.staleAt = e.expiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
}

// Set stores a value with an explicit ttl
func (c *Cache[V]) Set(key string, val V, ttl time.Duration) {
	now := c.now()
	e := &entry[V]{value: val, expiresAt: now.Add(ttl), staleAt: now.Add(ttl).Add(c.opts.StaleWhileRevalidate)}
	c.mu.Lock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
	c.mu.Unlock()
}

// Peek returns a cached value without triggering a load. Stale entries are allowed.
func (c *Cache[V]) Peek(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || c.now().After(e.staleAt) {
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.removeFromOrder(key)
	c.mu.Unlock()
}

// Len is the number of stored entries, including expired ones not yet evicted
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[V]) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	// FIFO
	excess := len(c.items) - c.opts.MaxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
	}
}

func (c *Cache[V]) hook(fn func(string), key string) {
	if fn != nil {
		fn(key)
	}
}
