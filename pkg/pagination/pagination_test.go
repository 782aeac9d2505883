package pagination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	fetcherror "github.com/always-cache/swrcache/pkg/fetch-error"
)

const pageSize = 3

func newAccumulator(t *testing.T, onChange func(State[string])) *Accumulator[string] {
	t.Helper()
	logger := zerolog.New(io.Discard)
	return New("feed", Options[string]{InitialCursor: "0", OnChange: onChange, Logger: &logger})
}

// pages serves pageSize items per page, with the page index as cursor.
func pages(last int) PageFetcher[string] {
	return func(ctx context.Context, cursor string) (Page[string], error) {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return Page[string]{}, err
		}
		items := make([]string, 0, pageSize)
		for i := 0; i < pageSize; i++ {
			items = append(items, fmt.Sprintf("item-%d", n*pageSize+i))
		}
		return Page[string]{Items: items, NextCursor: strconv.Itoa(n + 1), HasMore: n < last}, nil
	}
}

func TestLoadNextAppendsUntilExhausted(t *testing.T) {
	a := newAccumulator(t, nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		ok, err := a.LoadNext(ctx, pages(2))
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, a.Items(), i*pageSize)
	}
	require.False(t, a.HasMore())

	ok, err := a.LoadNext(ctx, pages(2))
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, a.Items(), 3*pageSize)
	require.Equal(t, "item-8", a.Items()[8])
}

func TestLoadNextWhileFetchingIsNoop(t *testing.T) {
	a := newAccumulator(t, nil)
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := func(ctx context.Context, cursor string) (Page[string], error) {
		calls.Add(1)
		<-release
		return pages(5)(ctx, cursor)
	}

	done := make(chan error)
	go func() {
		_, err := a.LoadNext(context.Background(), blocking)
		done <- err
	}()
	require.Eventually(t, a.IsFetchingNext, time.Second, time.Millisecond)

	ok, err := a.LoadNext(context.Background(), blocking)
	require.NoError(t, err)
	require.False(t, ok)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), calls.Load())
	require.Len(t, a.Items(), pageSize)
	require.Equal(t, "1", a.Cursor())
	require.False(t, a.IsFetchingNext())
}

func TestFailedPageLeavesStateUnchanged(t *testing.T) {
	a := newAccumulator(t, nil)
	ctx := context.Background()
	_, err := a.LoadNext(ctx, pages(5))
	require.NoError(t, err)
	before := a.State()

	ok, err := a.LoadNext(ctx, func(context.Context, string) (Page[string], error) {
		return Page[string]{}, errors.New("connection reset")
	})
	require.False(t, ok)
	require.True(t, fetcherror.IsNetwork(err))

	after := a.State()
	require.Equal(t, before.Items, after.Items)
	require.Equal(t, before.Cursor, after.Cursor)
	require.Equal(t, before.HasMore, after.HasMore)
	require.Error(t, after.Err)

	// retry succeeds from the same cursor
	ok, err = a.LoadNext(ctx, pages(5))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "item-3", a.Items()[3])
	require.NoError(t, a.State().Err)
}

func TestResetDropsPageInFlight(t *testing.T) {
	a := newAccumulator(t, nil)
	release := make(chan struct{})
	blocking := func(ctx context.Context, cursor string) (Page[string], error) {
		<-release
		return pages(5)(ctx, cursor)
	}
	_, err := a.LoadNext(context.Background(), pages(5))
	require.NoError(t, err)

	done := make(chan bool)
	go func() {
		ok, _ := a.LoadNext(context.Background(), blocking)
		done <- ok
	}()
	require.Eventually(t, a.IsFetchingNext, time.Second, time.Millisecond)
	a.Reset()
	close(release)
	require.False(t, <-done)

	state := a.State()
	require.Empty(t, state.Items)
	require.Equal(t, "0", state.Cursor)
	require.True(t, state.HasMore)
	require.False(t, state.IsFetchingNext)
}

func TestOnChangeSeesTransitions(t *testing.T) {
	var states []State[string]
	a := newAccumulator(t, func(s State[string]) { states = append(states, s) })
	_, err := a.LoadNext(context.Background(), pages(0))
	require.NoError(t, err)

	require.Len(t, states, 2)
	require.True(t, states[0].IsFetchingNext)
	require.Empty(t, states[0].Items)
	require.False(t, states[1].IsFetchingNext)
	require.Len(t, states[1].Items, pageSize)
	require.False(t, states[1].HasMore)
}

func TestScrollTriggerIsThrottled(t *testing.T) {
	a := newAccumulator(t, nil)
	mock := clock.NewMock()
	var calls atomic.Int32
	fetch := func(ctx context.Context, cursor string) (Page[string], error) {
		calls.Add(1)
		return pages(5)(ctx, cursor)
	}
	trigger, stop := a.ScrollTrigger(context.Background(), mock, time.Second, fetch)
	defer stop()

	require.True(t, trigger())
	for i := 0; i < 10; i++ {
		require.False(t, trigger())
	}
	require.Eventually(t, func() bool { return len(a.Items()) == pageSize }, time.Second, time.Millisecond)

	mock.Add(time.Second)
	require.True(t, trigger())
	require.Eventually(t, func() bool { return len(a.Items()) == 2*pageSize }, time.Second, time.Millisecond)
	require.Equal(t, int32(2), calls.Load())
}
