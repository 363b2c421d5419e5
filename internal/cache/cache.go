// Package cache is a TTL cache for remote reads that collapses concurrent
// refreshes of one key into a single fetch and falls back to the last good
// value when a refresh fails.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Fetcher func(ctx context.Context) (any, error)

type entry struct {
	value     any
	fetchedAt time.Time
}

type result struct {
	value any
	stale bool
}

type Stats struct {
	Hits    int64
	Misses  int64
	Stale   int64
	Errors  int64
	Entries int
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.log = l } }

type Cache struct {
	ttl time.Duration
	now func() time.Time
	log zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]entry
	inflight map[string]struct{}
	group    singleflight.Group

	hits, misses, stale, errors atomic.Int64
}

// New returns a cache whose entries are fresh for ttl (5m when ttl <= 0).
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{
		ttl:      ttl,
		now:      time.Now,
		log:      zerolog.Nop(),
		entries:  make(map[string]entry),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// GetOrFetch returns the cached value for key while it is fresh. Otherwise
// it calls fetch, sharing one call among concurrent callers. When fetch fails
// and an older value exists, that value is returned instead of the error.
//
// The fetch runs detached from ctx so that one caller giving up does not fail
// the others; ctx only bounds how long this caller waits.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch Fetcher) (any, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.hits.Add(1)
		return e.value, nil
	}
	c.misses.Add(1)

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(fetchCtx, key, fetch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.errors.Add(1)
			return nil, res.Err
		}
		r := res.Val.(result)
		if r.stale {
			c.stale.Add(1)
		}
		return r.value, nil
	}
}

func (c *Cache) refresh(ctx context.Context, key string, fetch Fetcher) (any, error) {
	c.mu.Lock()
	// A flight that finished after this caller's lookup may have refreshed key.
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return result{value: e.value}, nil
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	started := c.now()
	v, err := fetch(ctx)
	if err == nil {
		c.mu.Lock()
		c.entries[key] = entry{value: v, fetchedAt: started}
		c.mu.Unlock()
		return result{value: v}, nil
	}

	c.mu.RLock()
	prev, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	c.log.Warn().Err(err).Str("key", key).Dur("age", c.now().Sub(prev.fetchedAt)).Msg("refresh failed, serving stale value")
	return result{value: prev.value, stale: true}, nil
}

// Invalidate drops key. A fetch already in flight for key still stores its
// result when it finishes, but new callers start a fresh fetch.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
	c.log.Info().Str("key", key).Msg("cache entry invalidated")
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	keys := make([]string, 0, len(c.inflight))
	for k := range c.inflight {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.group.Forget(k)
	}
	c.log.Info().Msg("cache cleared")
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stale:   c.stale.Load(),
		Errors:  c.errors.Load(),
		Entries: n,
	}
}

// Fetch is GetOrFetch for a value of a known type.
func Fetch[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) { return fetch(ctx) })
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache key %s holds %T", key, v)
	}
	return t, nil
}
