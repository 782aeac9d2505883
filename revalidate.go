package swrcache

import (
	"context"
	"time"

	"github.com/always-cache/swrcache/cache"
)

// Result is the outcome of Read.
type Result[V any] struct {
	Value V
	// Set if Value is past its TTL, its last refresh failed, or the cache
	// discarded it because the key changed while it was fetched.
	IsStale bool
	// State of the entry when it was read.
	State cache.State
	// Last fetch error of a stale value.
	Err error
}

// Read returns the value of key, preferring cached data over waiting:
// a Fresh value is returned as is, a stale one is returned right away while
// one background refresh brings it up to date, and only a key without any
// value waits for a fetch.
// If fetcher is nil, the client's fetcher is used; a ttl <= 0 uses the key's policy.
func (c *Client[V]) Read(ctx context.Context, key string, fetcher Fetcher[V], ttl time.Duration) (Result[V], error) {
	fetcher, err := c.fetcherOrDefault(key, fetcher)
	if err != nil {
		return Result[V]{}, err
	}
	entry := c.store.Get(key)
	switch {
	case entry.State == cache.Fresh:
		c.log.Trace().Str("key", key).Msg("Serving fresh value")
		return Result[V]{Value: entry.Value, State: entry.State}, nil
	case entry.Servable():
		c.log.Trace().Str("key", key).Stringer("state", entry.State).Msg("Serving stale value")
		// a mutation in flight settles optimistic values
		if !entry.Optimistic {
			c.revalidate(key, fetcher, ttl)
		}
		return Result[V]{Value: entry.Value, IsStale: true, State: entry.State, Err: entry.Err}, nil
	}

	op, err := c.coord.await(ctx, key, fetcher, ttl)
	if err != nil {
		// an optimistic write may have arrived while waiting
		entry := c.store.Get(key)
		if entry.Servable() {
			return Result[V]{Value: entry.Value, IsStale: entry.State != cache.Fresh, State: entry.State, Err: err}, nil
		}
		return Result[V]{State: entry.State, Err: err}, err
	}
	if op.stored {
		return Result[V]{Value: op.value, State: cache.Fresh}, nil
	}
	// the key was written or invalidated while fetching
	entry = c.store.Peek(key)
	if entry.Servable() {
		return Result[V]{Value: entry.Value, IsStale: entry.State != cache.Fresh, State: entry.State, Err: entry.Err}, nil
	}
	c.log.Debug().Str("key", key).Msg("Serving value the cache discarded")
	return Result[V]{Value: op.value, IsStale: true, State: entry.State}, nil
}

// revalidate refreshes key in the background.
// Reads of a key being refreshed do not start another refresh.
func (c *Client[V]) revalidate(key string, fetcher Fetcher[V], ttl time.Duration) {
	if c.coord.refresh(key, fetcher, ttl) {
		c.log.Debug().Str("key", key).Msg("Revalidating in background")
	}
}
