package swrcache

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/always-cache/swrcache/cache"
	cacheupdate "github.com/always-cache/swrcache/pkg/cache-update"
)

// ApplyUpdates refreshes the given keys with the client's fetcher, delayed
// ones once their delay has passed on the client clock.
// Without a fetcher the keys are invalidated instead.
func (c *Client[V]) ApplyUpdates(updates ...cacheupdate.CacheUpdate) {
	for _, update := range updates {
		update := update
		c.log.Trace().Str("update", update.Key).Dur("delay", update.Delay).Msg("Updating cache based on mutation")
		if update.Delay <= 0 {
			c.updateKey(update.Key)
			continue
		}
		c.timersMu.Lock()
		var timer *clock.Timer
		timer = c.clock.AfterFunc(update.Delay, func() {
			c.timersMu.Lock()
			delete(c.timers, timer)
			c.timersMu.Unlock()
			c.updateKey(update.Key)
		})
		c.timers[timer] = struct{}{}
		c.timersMu.Unlock()
	}
}

func (c *Client[V]) updateKey(key string) {
	if c.ctx.Err() != nil {
		return
	}
	if c.fetcher == nil {
		c.store.Invalidate(key)
		return
	}
	// the store drops the result if the key changes meanwhile
	if !c.coord.refresh(key, c.fetcher, 0) {
		c.store.MarkStale(key)
	}
}

// updateCache runs a loop to update the cache, one entry at a time.
// It will query the cache for Fresh entries expiring within the update-ahead
// duration. If it finds one, it will update the cache for that entry.
// If it does not find any, it will sleep for the update-ahead duration.
func (c *Client[V]) updateCache() {
	defer c.wg.Done()
	c.log.Info().Msgf("Starting cache update loop with timeout %s", c.updateAhead)
	for {
		key, expiry, ok := c.store.Oldest("")
		if ok && expiry.Sub(c.clock.Now()) <= c.updateAhead {
			// if the new value expires just as soon, pause anyway
			if !c.updateEntry(key) || c.expiresWithin(key) {
				if !c.pause() {
					return
				}
			}
			continue
		}
		c.log.Trace().Msg("No entries expiring, pausing update")
		if !c.pause() {
			return
		}
	}
}

// pause waits for the update-ahead duration.
// It returns false if the client was closed meanwhile.
func (c *Client[V]) pause() bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-c.clock.After(c.updateAhead):
		return true
	}
}

func (c *Client[V]) expiresWithin(key string) bool {
	entry := c.store.Peek(key)
	return entry.State != cache.Fresh || entry.Expired(c.clock.Now().Add(c.updateAhead))
}

// updateEntry will update the stored value identified by the given key.
// The previous value stays available if the update fails.
func (c *Client[V]) updateEntry(key string) bool {
	c.log.Trace().Str("key", key).Msg("Updating cache")
	if _, err := c.coord.fetchOrJoin(c.ctx, key, c.fetcher, 0); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not update cache entry")
		return false
	}
	return true
}

// RefreshAll fetches every stored key with the given prefix again.
// Stored values stay in place until their refresh succeeds.
func (c *Client[V]) RefreshAll(ctx context.Context, prefix string) error {
	fetcher, err := c.fetcherOrDefault(prefix, nil)
	if err != nil {
		return err
	}
	var result *multierror.Error
	c.store.Keys(prefix, func(key string) {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.coord.fetchOrJoin(ctx, key, fetcher, 0); err != nil {
			result = multierror.Append(result, err)
		}
	})
	if ctx.Err() != nil {
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}
