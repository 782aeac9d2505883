package swrcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/swrcache/cache"
	cacheupdate "github.com/always-cache/swrcache/pkg/cache-update"
	keyrules "github.com/always-cache/swrcache/pkg/key-rules"
)

func TestUpdateLoopRefreshesExpiringEntries(t *testing.T) {
	var calls atomic.Int32
	c, mock := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "refreshed", nil
	}, func(config *Config[string]) {
		config.Defaults = keyrules.Policy{TTL: time.Minute}
		config.UpdateAhead = 10 * time.Second
	})
	c.Set("users/42", "Ada", 0)

	// not within the update window yet
	mock.Add(45 * time.Second)
	require.Equal(t, int32(0), calls.Load())

	require.Eventually(t, func() bool {
		mock.Add(250 * time.Millisecond)
		return c.Store().Peek("users/42").Value == "refreshed"
	}, waitFor, tick)

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, cache.Fresh, c.Get("users/42").State)
}

func TestUpdateLoopKeepsValueOnFailure(t *testing.T) {
	var calls atomic.Int32
	c, mock := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "", errors.New("unavailable")
	}, func(config *Config[string]) {
		config.Defaults = keyrules.Policy{TTL: time.Minute}
		config.UpdateAhead = 10 * time.Second
	})
	c.Set("users/42", "Ada", 0)
	mock.Add(45 * time.Second)

	require.Eventually(t, func() bool {
		mock.Add(250 * time.Millisecond)
		return calls.Load() > 0
	}, waitFor, tick)

	e := c.Get("users/42")
	require.True(t, e.Servable())
	require.Equal(t, "Ada", e.Value)
}

func TestApplyUpdatesWithoutFetcherInvalidates(t *testing.T) {
	c, mock := newTestClient(t, nil)
	c.Set("carts?owner=1", "list", 0)
	c.Set("users/42", "Ada", 0)

	c.ApplyUpdates(
		cacheupdate.CacheUpdate{Key: "carts?owner=1"},
		cacheupdate.CacheUpdate{Key: "users/42", Delay: time.Second},
	)
	require.Equal(t, cache.Empty, c.Get("carts?owner=1").State)
	require.Equal(t, cache.Fresh, c.Get("users/42").State)

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return c.Get("users/42").State == cache.Empty
	}, waitFor, tick)
}

func TestDelayedUpdatesStopOnClose(t *testing.T) {
	var calls atomic.Int32
	c, mock := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		calls.Add(1)
		return "refreshed", nil
	})
	c.ApplyUpdates(cacheupdate.CacheUpdate{Key: "users/42", Delay: time.Second})
	require.NoError(t, c.Close())

	mock.Add(2 * time.Second)
	require.Equal(t, int32(0), calls.Load())
}

func TestRefreshAll(t *testing.T) {
	c, _ := newTestClient(t, func(ctx context.Context, key string) (string, error) {
		if key == "users/2" {
			return "", errors.New("gone")
		}
		return "new " + key, nil
	})
	c.Set("users/1", "a", 0)
	c.Set("users/2", "b", 0)
	c.Set("carts/1", "c", 0)

	err := c.RefreshAll(context.Background(), "users/")
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)

	require.Equal(t, "new users/1", c.Get("users/1").Value)
	// failed refreshes keep the value
	e := c.Get("users/2")
	require.Equal(t, cache.Error, e.State)
	require.Equal(t, "b", e.Value)
	require.Equal(t, "c", c.Get("carts/1").Value)
}

func TestRefreshAllWithoutFetcher(t *testing.T) {
	c, _ := newTestClient(t, nil)
	require.ErrorIs(t, c.RefreshAll(context.Background(), ""), ErrNoFetcher)
}
