// Package swrcache is a client-side cache for remote data: fetches of the
// same key are shared, stale values are served while they are refreshed in
// the background, and mutations are applied optimistically and rolled back
// if the origin rejects them.
package swrcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/swrcache/cache"
	keyrules "github.com/always-cache/swrcache/pkg/key-rules"
	"github.com/always-cache/swrcache/pkg/limiter"
)

// DefaultMaxConcurrentRevalidations bounds background refreshes when the
// config does not.
const DefaultMaxConcurrentRevalidations = 16

// ErrNoFetcher is returned when neither the call nor the config provide a fetcher.
var ErrNoFetcher = errors.New("no fetcher")

type Config[V any] struct {
	// Storage for cache entries, defaults to an in-memory LRU of Capacity entries.
	Provider cache.Provider[V]
	Capacity int
	// Fetcher used when a call does not give one, and by background updates.
	Fetcher Fetcher[V]
	// Logger to use, if nil, a console logger is created.
	Logger *zerolog.Logger
	// Clock for TTLs, retries and limiters. Defaults to the wall clock.
	Clock clock.Clock
	// Policy of keys no rule matches.
	Defaults keyrules.Policy
	// Per-key policies, the first matching rule wins.
	Rules keyrules.Rules
	// Maximum number of background refreshes in flight.
	MaxConcurrentRevalidations int64
	// Refresh Fresh entries expiring within this duration.
	// Zero disables the update loop.
	UpdateAhead time.Duration
}

// Stats are counters of a client since it was created.
type Stats struct {
	cache.Stats
	// Fetcher calls, retries included.
	Fetches uint64
	// Fetches in flight.
	Pending int
}

type Client[V any] struct {
	store    *cache.Store[V]
	coord    *coordinator[V]
	queue    *mutationQueue
	mutation *mutations[V]
	clock    clock.Clock
	log      zerolog.Logger
	fetcher  Fetcher[V]
	defaults keyrules.Policy
	rules    keyrules.Rules

	updateAhead time.Duration
	maxParallel int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// delayed updates
	timersMu sync.Mutex
	timers   map[*clock.Timer]struct{}
}

// CreateClient creates a client and starts its background update loop, if enabled.
func CreateClient[V any](config Config[V]) (*Client[V], error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.MaxConcurrentRevalidations <= 0 {
		config.MaxConcurrentRevalidations = DefaultMaxConcurrentRevalidations
	}

	store, err := cache.NewStore(cache.Options[V]{
		Provider:   config.Provider,
		Capacity:   config.Capacity,
		Clock:      config.Clock,
		DefaultTTL: config.Defaults.TTL,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client[V]{
		store:       store,
		queue:       newMutationQueue(),
		clock:       config.Clock,
		log:         logger,
		fetcher:     config.Fetcher,
		defaults:    config.Defaults,
		rules:       config.Rules,
		updateAhead: config.UpdateAhead,
		maxParallel: config.MaxConcurrentRevalidations,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[*clock.Timer]struct{}),
	}
	c.coord = newCoordinator(store, config.Clock, logger, c.Policy, config.MaxConcurrentRevalidations)
	c.mutation = newMutations[V]()

	// start a goroutine to update expiring entries
	if c.updateAhead > 0 && c.fetcher != nil {
		c.wg.Add(1)
		go c.updateCache()
	}
	return c, nil
}

// Policy returns the policy of key.
func (c *Client[V]) Policy(key string) keyrules.Policy {
	return c.rules.Policy(c.defaults, key)
}

// Store returns the underlying store.
func (c *Client[V]) Store() *cache.Store[V] {
	return c.store
}

// Get returns the cached entry of key without fetching.
func (c *Client[V]) Get(key string) cache.Entry[V] {
	return c.store.Get(key)
}

// FetchOrJoin fetches key, sharing the fetch with every concurrent caller.
// Unlike Read, it waits for the fetch even if a value is cached.
func (c *Client[V]) FetchOrJoin(ctx context.Context, key string, fetcher Fetcher[V]) (V, error) {
	fetcher, err := c.fetcherOrDefault(key, fetcher)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.coord.fetchOrJoin(ctx, key, fetcher, 0)
}

// Fetch is FetchOrJoin with the client's fetcher.
func (c *Client[V]) Fetch(ctx context.Context, key string) (V, error) {
	return c.FetchOrJoin(ctx, key, nil)
}

// Set writes value as Fresh. A ttl <= 0 uses the key's policy.
func (c *Client[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.Policy(key).TTL
	}
	c.store.Set(key, value, ttl)
}

// Invalidate removes key, or every key matching a glob pattern.
func (c *Client[V]) Invalidate(keyOrPattern string) int {
	n := c.store.Invalidate(keyOrPattern)
	c.log.Debug().Str("key", keyOrPattern).Int("removed", n).Msg("Invalidated")
	return n
}

func (c *Client[V]) MarkStale(key string) bool {
	return c.store.MarkStale(key)
}

func (c *Client[V]) Subscribe(key string, fn cache.Subscriber[V]) func() {
	return c.store.Subscribe(key, fn)
}

func (c *Client[V]) SubscribeAll(fn cache.Subscriber[V]) func() {
	return c.store.SubscribeAll(fn)
}

// Pending returns the fetch of key in flight, if any.
func (c *Client[V]) Pending(key string) (PendingOperation, bool) {
	return c.coord.pendingFor(key)
}

// Prefetch fetches every key that has no Fresh value, in parallel.
// It returns the errors of all failed fetches.
func (c *Client[V]) Prefetch(ctx context.Context, keys ...string) error {
	fetcher, err := c.fetcherOrDefault("", nil)
	if err != nil {
		return err
	}
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	var g errgroup.Group
	g.SetLimit(int(c.maxParallel))
	for _, key := range keys {
		key := key
		if c.store.Peek(key).State == cache.Fresh {
			continue
		}
		g.Go(func() error {
			if _, err := c.coord.fetchOrJoin(ctx, key, fetcher, 0); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			// keep going, errors are collected
			return nil
		})
	}
	g.Wait()
	return result.ErrorOrNil()
}

// Debounce returns a trigger that calls fn once the key's debounce delay
// passed without another trigger, and a function cancelling a pending call.
func (c *Client[V]) Debounce(key string, fn func()) (func(), func()) {
	return limiter.Debounce(c.clock, c.Policy(key).Debounce, fn)
}

// Throttle returns a trigger that calls fn at most once per the key's
// throttle interval, and a function disabling it.
func (c *Client[V]) Throttle(key string, fn func()) (func() bool, func()) {
	return limiter.Throttle(c.clock, c.Policy(key).Throttle, fn)
}

// Clock returns the client's clock.
func (c *Client[V]) Clock() clock.Clock {
	return c.clock
}

// Logger returns the client's logger.
func (c *Client[V]) Logger() *zerolog.Logger {
	return &c.log
}

func (c *Client[V]) Stats() Stats {
	return Stats{
		Stats:   c.store.Stats(),
		Fetches: c.coord.fetches.Load(),
		Pending: c.coord.inFlight(),
	}
}

// Clear removes every entry. Fetches in flight are discarded.
func (c *Client[V]) Clear() {
	c.store.Clear()
}

// Close stops background work, cancels fetches in flight and releases the store.
// Calling it again returns the first result.
func (c *Client[V]) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close()
	})
	return c.closeErr
}

func (c *Client[V]) close() error {
	var result *multierror.Error
	c.cancel()
	c.timersMu.Lock()
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*clock.Timer]struct{})
	c.timersMu.Unlock()
	c.coord.close()
	c.wg.Wait()
	if err := c.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *Client[V]) fetcherOrDefault(key string, fetcher Fetcher[V]) (Fetcher[V], error) {
	if fetcher != nil {
		return fetcher, nil
	}
	if c.fetcher != nil {
		return c.fetcher, nil
	}
	return nil, fmt.Errorf("%w for %q", ErrNoFetcher, key)
}
