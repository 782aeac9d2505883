package swrcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/always-cache/swrcache/cache"
	fetcherror "github.com/always-cache/swrcache/pkg/fetch-error"
	keyrules "github.com/always-cache/swrcache/pkg/key-rules"
)

func withRetries(retries int, backoff time.Duration) func(*Config[string]) {
	return func(config *Config[string]) {
		config.Defaults = keyrules.Policy{MaxRetries: retries, RetryBackoff: backoff}
	}
}

func TestRetryWithBackoff(t *testing.T) {
	var calls atomic.Int32
	c, mock := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		if calls.Add(1) < 3 {
			return "", fetcherror.Network(key, 503, errors.New("unavailable"))
		}
		return "Ada", nil
	}, withRetries(2, time.Second))

	done := make(chan error, 1)
	var value string
	go func() {
		var err error
		value, err = c.Fetch(context.Background(), "users/42")
		done <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	// no retry before the backoff passed
	mock.Add(500 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return calls.Load() == 3
	}, waitFor, tick)
	require.NoError(t, <-done)
	require.Equal(t, "Ada", value)
	require.Equal(t, uint64(3), c.Stats().Fetches)
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c, mock := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "", errors.New("connection reset")
	}, withRetries(1, 100*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "users/42")
		done <- err
	}()
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return calls.Load() == 2
	}, waitFor, tick)

	err := <-done
	var netErr *fetcherror.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, 2, netErr.Attempts)
	require.Equal(t, "users/42", netErr.Key)

	e := c.Get("users/42")
	require.Equal(t, cache.Error, e.State)
	require.Equal(t, err, e.Err)
}

func TestSharedFetchErrorIsNotModified(t *testing.T) {
	unavailable := &fetcherror.NetworkError{Status: 503, Err: errors.New("unavailable")}
	var calls atomic.Int32
	c, mock := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "", unavailable
	}, withRetries(1, 100*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "users/42")
		done <- err
	}()
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return calls.Load() == 2
	}, waitFor, tick)

	var netErr *fetcherror.NetworkError
	require.ErrorAs(t, <-done, &netErr)
	require.Equal(t, 2, netErr.Attempts)
	require.Equal(t, "users/42", netErr.Key)
	require.NotSame(t, unavailable, netErr)
	require.Equal(t, 0, unavailable.Attempts)
	require.Empty(t, unavailable.Key)
}

func TestConflictIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "", fetcherror.Conflict(nil)
	}, withRetries(3, time.Millisecond))

	_, err := c.Fetch(context.Background(), "users/42")
	require.True(t, fetcherror.IsConflict(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestLastWaiterCancelsFetch(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})
	c, _ := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, "users/42")
		done <- err
	}()
	<-started
	cancel()

	err := <-done
	require.True(t, fetcherror.IsCancellation(err))
	require.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, cancelled.Load, waitFor, tick)

	require.Eventually(t, func() bool {
		_, ok := c.Pending("users/42")
		return !ok
	}, waitFor, tick)
	// a cancelled fetch leaves nothing behind
	require.Eventually(t, func() bool {
		return c.Get("users/42").State == cache.Empty
	}, waitFor, tick)
}

func TestFetchAfterCancelWaitsForCleanup(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	unwind := make(chan struct{})
	second := make(chan struct{})
	c, _ := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			<-unwind
			return "", ctx.Err()
		}
		<-second
		return "Ada", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, "users/42")
		first <- err
	}()
	<-started
	cancel()
	require.True(t, fetcherror.IsCancellation(<-first))

	done := make(chan string, 1)
	go func() {
		v, _ := c.Fetch(context.Background(), "users/42")
		done <- v
	}()
	// the cancelled fetch has not settled, so nothing new starts
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	close(unwind)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	// the cleanup of the first fetch did not undo the second one
	require.Equal(t, cache.Revalidating, c.Get("users/42").State)

	close(second)
	require.Equal(t, "Ada", <-done)
	e := c.Get("users/42")
	require.Equal(t, cache.Fresh, e.State)
	require.Equal(t, "Ada", e.Value)
}

func TestRemainingWaiterKeepsFetch(t *testing.T) {
	f := newGatedFetcher(constant("Ada"))
	c, _ := newTestClient(t, f.fetch)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, "users/42")
		first <- err
	}()
	second := make(chan string, 1)
	go func() {
		v, _ := c.Fetch(context.Background(), "users/42")
		second <- v
	}()
	require.Eventually(t, func() bool {
		op, ok := c.Pending("users/42")
		return ok && op.Waiters == 2
	}, waitFor, tick)

	cancel()
	require.True(t, fetcherror.IsCancellation(<-first))
	op, ok := c.Pending("users/42")
	require.True(t, ok)
	require.Equal(t, 1, op.Waiters)

	f.open()
	require.Equal(t, "Ada", <-second)
	require.Equal(t, int32(1), f.calls.Load())
}

func TestCancelledRefreshKeepsStaleValue(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		if calls.Add(1) == 1 {
			return "v1", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	ctx := context.Background()

	_, err := c.Fetch(ctx, "users/42")
	require.NoError(t, err)
	c.MarkStale("users/42")

	var mu sync.Mutex
	var last cache.Entry[string]
	c.Subscribe("users/42", func(key string, e cache.Entry[string]) {
		mu.Lock()
		defer mu.Unlock()
		last = e
	})

	res, err := c.Read(ctx, "users/42", nil, 0)
	require.NoError(t, err)
	require.True(t, res.IsStale)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)

	// background refreshes have no waiters to cancel them, only Close does
	op, ok := c.Pending("users/42")
	require.True(t, ok)
	require.True(t, op.Background)
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, cache.Stale, last.State)
	require.Equal(t, "v1", last.Value)
}

func TestRefreshBudget(t *testing.T) {
	f := newGatedFetcher(constant("fresh"))
	c, _ := newTestClient(t, f.fetch, func(config *Config[string]) {
		config.MaxConcurrentRevalidations = 1
	})
	c.Set("users/1", "a", 0)
	c.Set("users/2", "b", 0)
	c.MarkStale("users/1")
	c.MarkStale("users/2")

	ctx := context.Background()
	_, err := c.Read(ctx, "users/1", nil, 0)
	require.NoError(t, err)
	_, err = c.Read(ctx, "users/2", nil, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, waitFor, tick)
	_, ok := c.Pending("users/2")
	require.False(t, ok)
	require.Equal(t, cache.Stale, c.Get("users/2").State)

	f.open()
	require.Eventually(t, func() bool {
		return c.Get("users/1").State == cache.Fresh
	}, waitFor, tick)
}
