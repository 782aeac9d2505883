// Package pagination accumulates cursor-paged results.
package pagination

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	fetcherror "github.com/always-cache/swrcache/pkg/fetch-error"
	"github.com/always-cache/swrcache/pkg/limiter"
)

// Page is one response of a paged source.
type Page[T any] struct {
	Items []T
	// Cursor for the page after this one.
	NextCursor string
	HasMore    bool
}

// PageFetcher loads the page at cursor.
type PageFetcher[T any] func(ctx context.Context, cursor string) (Page[T], error)

// State is a snapshot of an Accumulator.
type State[T any] struct {
	Items          []T
	Cursor         string
	HasMore        bool
	IsFetchingNext bool
	// Error of the last failed page fetch, cleared by the next success.
	Err error
}

type Options[T any] struct {
	// Cursor of the first page.
	InitialCursor string
	// Called with a snapshot after every change.
	OnChange func(State[T])
	Logger   *zerolog.Logger
}

// Accumulator appends pages of a source in order, fetching one page at a time.
type Accumulator[T any] struct {
	key      string
	initial  string
	onChange func(State[T])
	log      zerolog.Logger

	mu       sync.Mutex
	items    []T
	cursor   string
	hasMore  bool
	fetching bool
	err      error
	// bumped by Reset, so a page fetched before it is dropped
	gen uint64
}

// New creates an accumulator for the source identified by key.
func New[T any](key string, opts Options[T]) *Accumulator[T] {
	if opts.Logger == nil {
		l := zerolog.New(zerolog.NewConsoleWriter())
		opts.Logger = &l
	}
	return &Accumulator[T]{
		key:      key,
		initial:  opts.InitialCursor,
		onChange: opts.OnChange,
		log:      opts.Logger.With().Str("component", "pagination").Str("key", key).Logger(),
		items:    make([]T, 0),
		cursor:   opts.InitialCursor,
		hasMore:  true,
	}
}

// LoadNext fetches the page at the current cursor and appends its items.
// It does nothing, returning false, while another page is being fetched or
// once the source is exhausted. A failed fetch leaves the state as it was.
// It reports whether a page was appended.
func (a *Accumulator[T]) LoadNext(ctx context.Context, fetch PageFetcher[T]) (bool, error) {
	a.mu.Lock()
	if a.fetching || !a.hasMore {
		a.mu.Unlock()
		return false, nil
	}
	a.fetching = true
	cursor, gen := a.cursor, a.gen
	a.mu.Unlock()
	a.changed()

	a.log.Debug().Str("cursor", cursor).Msg("Fetching page")
	page, err := fetch(ctx, cursor)

	a.mu.Lock()
	if gen != a.gen {
		// reset while fetching; the new generation is not fetching
		a.mu.Unlock()
		a.log.Debug().Str("cursor", cursor).Msg("Dropping page fetched before reset")
		return false, nil
	}
	a.fetching = false
	if err != nil {
		err = fetcherror.Classify(a.key, err)
		a.err = err
		a.mu.Unlock()
		a.changed()
		return false, err
	}
	a.items = append(a.items, page.Items...)
	a.cursor = page.NextCursor
	a.hasMore = page.HasMore
	a.err = nil
	a.mu.Unlock()
	a.changed()
	return true, nil
}

// Reset drops every item and starts over at the initial cursor.
func (a *Accumulator[T]) Reset() {
	a.mu.Lock()
	a.gen++
	a.items = make([]T, 0)
	a.cursor = a.initial
	a.hasMore = true
	a.fetching = false
	a.err = nil
	a.mu.Unlock()
	a.changed()
}

func (a *Accumulator[T]) State() State[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state()
}

func (a *Accumulator[T]) Items() []T {
	return a.State().Items
}

func (a *Accumulator[T]) Cursor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

func (a *Accumulator[T]) HasMore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasMore
}

func (a *Accumulator[T]) IsFetchingNext() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetching
}

// ScrollTrigger returns a function that loads the next page in the
// background, at most once per interval, and a function that stops it.
// Fetch errors are logged; they are also visible in State.
func (a *Accumulator[T]) ScrollTrigger(ctx context.Context, clk clock.Clock, interval time.Duration, fetch PageFetcher[T]) (func() bool, func()) {
	t := limiter.NewThrottler(clk, interval, func(struct{}) {
		go func() {
			if _, err := a.LoadNext(ctx, fetch); err != nil {
				a.log.Warn().Err(err).Msg("Could not load next page")
			}
		}()
	})
	return func() bool { return t.Trigger(struct{}{}) }, t.Cancel
}

// state must be called with a.mu held.
func (a *Accumulator[T]) state() State[T] {
	items := make([]T, len(a.items))
	copy(items, a.items)
	return State[T]{
		Items:          items,
		Cursor:         a.cursor,
		HasMore:        a.hasMore,
		IsFetchingNext: a.fetching,
		Err:            a.err,
	}
}

func (a *Accumulator[T]) changed() {
	if a.onChange == nil {
		return
	}
	a.onChange(a.State())
}
