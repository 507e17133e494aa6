package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/techize/batchivo-sub001/internal/metrics"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

const defaultLoadTimeout = 30 * time.Second

// QueryCache is a keyed, TTL-bounded cache for collaborator reads.
//
// Concurrent misses on the same key share one load. Invalidation is explicit; callers
// arriving after an invalidation never join a load that started before it, and that
// load does not repopulate the cache.
type QueryCache[V any] struct {
	name        string
	ttl         time.Duration
	loadTimeout time.Duration
	now         func() time.Time
	group       singleflight.Group

	mu       sync.Mutex
	entries  map[string]cacheEntry[V]
	inflight map[string]int
	version  uint64
}

// NewQueryCache creates a cache whose entries live for ttl. name labels its metrics.
func NewQueryCache[V any](name string, ttl time.Duration) *QueryCache[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &QueryCache[V]{
		name:        name,
		ttl:         ttl,
		loadTimeout: defaultLoadTimeout,
		now:         time.Now,
		entries:     map[string]cacheEntry[V]{},
		inflight:    map[string]int{},
	}
}

// WithLoadTimeout bounds each shared load. Non-positive values keep the default.
func (c *QueryCache[V]) WithLoadTimeout(d time.Duration) *QueryCache[V] {
	if d > 0 {
		c.loadTimeout = d
	}
	return c
}

// Get returns a live entry.
func (c *QueryCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrLoad returns the cached value for key or runs load once for all concurrent callers.
// The shared load is detached from any single caller's cancellation and bounded by the
// load timeout; a caller whose ctx ends stops waiting without failing the others.
// Errors are not cached.
func (c *QueryCache[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		metrics.CacheLookupsTotal.WithLabelValues(c.name, metrics.ResultHit).Inc()
		return v, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues(c.name, metrics.ResultMiss).Inc()

	// waiters are tracked until the flight they joined returns so an invalidation
	// can detach them from it
	c.mu.Lock()
	version := c.version
	c.inflight[key]++
	c.mu.Unlock()
	done := func() {
		c.mu.Lock()
		if c.inflight[key]--; c.inflight[key] <= 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(loadCtx, c.loadTimeout)
		defer cancel()
		v, err := load(lctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.version == version {
			c.entries[key] = cacheEntry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		go func() {
			<-ch
			done()
		}()
		return zero, ctx.Err()
	case res := <-ch:
		done()
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Invalidate drops one key.
func (c *QueryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.version++
	c.group.Forget(key)
}

// InvalidatePrefix drops every key starting with prefix and returns how many were dropped.
func (c *QueryCache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			c.group.Forget(k)
			n++
		}
	}
	for k := range c.inflight {
		if strings.HasPrefix(k, prefix) {
			c.group.Forget(k)
		}
	}
	c.version++
	return n
}

// Purge drops expired entries and returns how many went.
func (c *QueryCache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Run purges expired entries every interval until ctx is done.
func (c *QueryCache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *QueryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
