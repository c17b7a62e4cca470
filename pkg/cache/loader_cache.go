// Package cache provides a bounded LRU loader cache that coalesces concurrent
// loads of the same key with singleflight.
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// LoaderCache caches values produced by a load callback. Concurrent misses for
// one key share a single load, and failed loads are not cached.
//
// The shared load runs on a context detached from the caller's cancellation, so a
// caller that gives up does not fail the others waiting on the same key. Loads must
// bound themselves (the provider guard applies a per-call timeout).
type LoaderCache[K comparable, V any] struct {
	lru       *lru.Cache[K, V]
	flight    singleflight.Group
	flightKey func(K) string
}

// NewLoaderCache creates a loader cache holding at most maxEntries values.
// flightKey must map distinct keys to distinct strings.
func NewLoaderCache[K comparable, V any](maxEntries int, flightKey func(K) string) (*LoaderCache[K, V], error) {
	entries, err := lru.New[K, V](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	return &LoaderCache[K, V]{lru: entries, flightKey: flightKey}, nil
}

// Get returns the value for key, loading it on miss.
func (c *LoaderCache[K, V]) Get(ctx context.Context, key K, load func(context.Context, K) (V, error)) (V, error) {
	v, _, err := c.GetWithStats(ctx, key, load)

	return v, err
}

// GetWithStats is like Get and also reports whether the value was a cache hit.
func (c *LoaderCache[K, V]) GetWithStats(ctx context.Context, key K, load func(context.Context, K) (V, error)) (V, bool, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, true, nil
	}

	loadCtx := context.WithoutCancel(ctx)

	ch := c.flight.DoChan(c.flightKey(key), func() (any, error) {
		loaded, err := load(loadCtx, key)
		if err != nil {
			return nil, err
		}

		c.lru.Add(key, loaded)

		return loaded, nil
	})

	var zero V

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err() //nolint:wrapcheck // caller's own cancellation
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err //nolint:wrapcheck // loader errors pass through
		}

		return res.Val.(V), false, nil //nolint:forcetypeassert // only V is stored
	}
}

// Len returns the number of cached entries.
func (c *LoaderCache[K, V]) Len() int {
	return c.lru.Len()
}
