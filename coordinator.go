package swrcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/always-cache/swrcache/cache"
	fetcherror "github.com/always-cache/swrcache/pkg/fetch-error"
	keyrules "github.com/always-cache/swrcache/pkg/key-rules"
)

// Fetcher loads the current value of key.
// It should give up when ctx is done.
type Fetcher[V any] func(ctx context.Context, key string) (V, error)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client is closed")

// PendingOperation describes a fetch in flight.
type PendingOperation struct {
	Key       string
	Epoch     uint64
	StartedAt time.Time
	// Number of callers waiting for the result.
	Waiters int
	// Set for refreshes nobody waits for.
	Background bool
}

// pendingOperation is a fetch shared by every caller asking for the same key
// and epoch. It is resolved once by closing done.
type pendingOperation[V any] struct {
	key        string
	epoch      uint64
	release    func()
	startedAt  time.Time
	background bool
	cancel     context.CancelFunc
	done       chan struct{}

	// guarded by coordinator.mu
	waiters   int
	cancelled bool

	// set before done is closed
	value V
	err   error
	// false if the value was not written to the cache
	stored bool
}

func (op *pendingOperation[V]) view() PendingOperation {
	return PendingOperation{
		Key:        op.key,
		Epoch:      op.epoch,
		StartedAt:  op.startedAt,
		Waiters:    op.waiters,
		Background: op.background,
	}
}

// coordinator runs at most one fetch per key and epoch.
type coordinator[V any] struct {
	store  *cache.Store[V]
	clock  clock.Clock
	log    zerolog.Logger
	policy func(key string) keyrules.Policy
	// bounds background refreshes
	refreshes *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingOperation[V]
	closed  bool

	fetches atomic.Uint64
}

func newCoordinator[V any](store *cache.Store[V], clk clock.Clock, logger zerolog.Logger, policy func(string) keyrules.Policy, maxRefreshes int64) *coordinator[V] {
	ctx, cancel := context.WithCancel(context.Background())
	return &coordinator[V]{
		store:     store,
		clock:     clk,
		log:       logger.With().Str("component", "coordinator").Logger(),
		policy:    policy,
		refreshes: semaphore.NewWeighted(maxRefreshes),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pendingOperation[V]),
	}
}

// fetchOrJoin waits for the fetch of key in the current epoch, starting it if
// there is none. If ctx is done first, the caller stops waiting; the fetch is
// cancelled once nobody waits for it anymore.
func (c *coordinator[V]) fetchOrJoin(ctx context.Context, key string, fetcher Fetcher[V], ttl time.Duration) (V, error) {
	op, err := c.await(ctx, key, fetcher, ttl)
	if err != nil {
		var zero V
		return zero, err
	}
	return op.value, nil
}

// await is like fetchOrJoin, but returns the settled operation.
// A cancelled fetch of the current epoch is left to settle before a new one
// starts, so its cleanup cannot touch the entry of the next fetch.
func (c *coordinator[V]) await(ctx context.Context, key string, fetcher Fetcher[V], ttl time.Duration) (*pendingOperation[V], error) {
	for {
		op, cancelled, err := c.join(key, fetcher, ttl)
		if err != nil {
			return nil, err
		}
		if cancelled == nil {
			return c.wait(ctx, op)
		}
		select {
		case <-cancelled.done:
		case <-ctx.Done():
			return nil, fetcherror.Cancelled(key, ctx.Err())
		}
	}
}

// refresh starts a background fetch of key unless one is in flight or the
// refresh budget is used up. It reports whether a fetch was started.
func (c *coordinator[V]) refresh(key string, fetcher Fetcher[V], ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if op := c.pending[key]; op != nil && op.epoch == c.store.Epoch(key) {
		return false
	}
	if !c.refreshes.TryAcquire(1) {
		c.log.Debug().Str("key", key).Msg("Refresh budget used up, skipping refresh")
		return false
	}
	c.start(key, fetcher, ttl, true)
	return true
}

// join adds the caller as a waiter of the fetch of key in the current epoch,
// starting one if there is none. If that fetch was cancelled but has not
// settled yet, it is returned as cancelled instead.
func (c *coordinator[V]) join(key string, fetcher Fetcher[V], ttl time.Duration) (op, cancelled *pendingOperation[V], err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, fetcherror.Cancelled(key, ErrClosed)
	}
	if p := c.pending[key]; p != nil && p.epoch == c.store.Epoch(key) {
		if p.cancelled {
			return nil, p, nil
		}
		c.log.Trace().Str("key", key).Msg("Joining fetch in flight")
		p.waiters++
		return p, nil, nil
	}
	op = c.start(key, fetcher, ttl, false)
	op.waiters++
	return op, nil, nil
}

// start must be called with c.mu held.
func (c *coordinator[V]) start(key string, fetcher Fetcher[V], ttl time.Duration, background bool) *pendingOperation[V] {
	ctx, cancel := context.WithCancel(c.ctx)
	epoch, release := c.store.HoldEpoch(key)
	op := &pendingOperation[V]{
		key:        key,
		epoch:      epoch,
		release:    release,
		startedAt:  c.clock.Now(),
		background: background,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if prev := c.pending[key]; prev != nil {
		c.log.Debug().Str("key", key).Uint64("epoch", prev.epoch).Msg("Superseding fetch of previous epoch")
	}
	c.pending[key] = op
	c.wg.Add(1)
	go c.run(ctx, op, fetcher, ttl)
	return op
}

func (c *coordinator[V]) wait(ctx context.Context, op *pendingOperation[V]) (*pendingOperation[V], error) {
	select {
	case <-op.done:
		return op, op.err
	case <-ctx.Done():
		c.leave(op)
		return nil, fetcherror.Cancelled(op.key, ctx.Err())
	}
}

// leave removes a waiter and cancels a foreground fetch nobody waits for.
func (c *coordinator[V]) leave(op *pendingOperation[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op.waiters--
	if op.waiters > 0 || op.background {
		return
	}
	select {
	case <-op.done:
		return
	default:
	}
	c.log.Debug().Str("key", op.key).Msg("Last waiter left, cancelling fetch")
	// the next caller starts over once it settled
	op.cancelled = true
	op.cancel()
}

func (c *coordinator[V]) run(ctx context.Context, op *pendingOperation[V], fetcher Fetcher[V], ttl time.Duration) {
	defer c.wg.Done()
	defer op.cancel()
	if op.background {
		defer c.refreshes.Release(1)
	}
	c.store.BeginRevalidate(op.key, op.epoch)
	value, err := c.fetchWithRetry(ctx, op.key, fetcher)
	c.settle(op, value, err, ttl)
}

// settle writes the result to the store, then resolves the operation.
// Writes are dropped if the key's epoch moved on while fetching.
func (c *coordinator[V]) settle(op *pendingOperation[V], value V, err error, ttl time.Duration) {
	logger := c.log.With().Str("key", op.key).Dur("duration", c.clock.Since(op.startedAt)).Logger()
	if ttl <= 0 {
		ttl = c.policy(op.key).TTL
	}
	stored := false
	switch {
	case err == nil:
		if stored = c.store.CompleteFetch(op.key, op.epoch, value, ttl); stored {
			logger.Debug().Msg("Fetched")
		} else {
			logger.Warn().Msg("Discarding result of superseded fetch")
		}
	case fetcherror.IsCancellation(err):
		// a fetch of a newer epoch is safe from this, one of the same epoch
		// only starts after op is resolved
		logger.Debug().Err(err).Msg("Fetch cancelled")
		c.store.AbortFetch(op.key, op.epoch)
	default:
		logger.Warn().Err(err).Msg("Fetch failed")
		c.store.FailFetch(op.key, op.epoch, err)
	}
	op.release()

	c.mu.Lock()
	if c.pending[op.key] == op {
		delete(c.pending, op.key)
	}
	op.value, op.err, op.stored = value, err, stored
	close(op.done)
	c.mu.Unlock()
}

// fetchWithRetry calls fetcher, retrying network errors as often as the
// key's policy allows, with exponential backoff on the client clock.
func (c *coordinator[V]) fetchWithRetry(ctx context.Context, key string, fetcher Fetcher[V]) (V, error) {
	var zero V
	policy := c.policy(key)
	b := &backoff.Backoff{
		Min:    policy.RetryBackoff,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		c.fetches.Add(1)
		c.log.Trace().Str("key", key).Int("attempt", attempt).Msg("Fetching")
		value, err := fetcher(ctx, key)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return zero, fetcherror.Cancelled(key, ctx.Err())
		}
		// Classify returns a copy, so the fetcher's error is never modified
		err = fetcherror.Classify(key, err)
		var netErr *fetcherror.NetworkError
		if !errors.As(err, &netErr) {
			return zero, err
		}
		netErr.Attempts = attempt
		if attempt > policy.MaxRetries {
			return zero, err
		}
		wait := b.Duration()
		c.log.Warn().Err(err).Str("key", key).Dur("wait", wait).Msg("Fetch failed, retrying")
		select {
		case <-c.clock.After(wait):
		case <-ctx.Done():
			return zero, fetcherror.Cancelled(key, ctx.Err())
		}
	}
}

func (c *coordinator[V]) pendingFor(key string) (PendingOperation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.pending[key]
	if !ok {
		return PendingOperation{}, false
	}
	return op.view(), true
}

func (c *coordinator[V]) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// close cancels every fetch and waits for them to settle.
func (c *coordinator[V]) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}
