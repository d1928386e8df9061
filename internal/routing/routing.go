package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

// Route is a road route between two points as reported by a routing engine.
// Estimated is set when the figures come from the great-circle fallback.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
	Geometry        string
	Estimated       bool
}

// Provider is the external routing distance collaborator.
type Provider interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a small in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a provider with a Cache. Estimated routes are never cached.
type Cached struct {
	next  Provider
	cache *Cache
}

func NewCached(next Provider, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: NewCache(ttl)}
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if r, ok := c.cache.Get(from, to); ok {
		return r, nil
	}
	r, err := c.next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	if !r.Estimated {
		c.cache.Set(from, to, r)
	}
	return r, nil
}
