package limiter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Throttler calls fn at most once per interval.
// The first trigger runs immediately; triggers within the interval of the
// last run are dropped, not queued.
type Throttler[T any] struct {
	mu        sync.Mutex
	clock     clock.Clock
	interval  time.Duration
	fn        func(T)
	last      time.Time
	ran       bool
	cancelled bool
}

func NewThrottler[T any](clk clock.Clock, interval time.Duration, fn func(T)) *Throttler[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttler[T]{clock: clk, interval: interval, fn: fn}
}

// Trigger runs fn with arg unless it ran less than interval ago.
// It reports whether fn ran.
func (t *Throttler[T]) Trigger(arg T) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	now := t.clock.Now()
	if t.ran && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return false
	}
	t.ran = true
	t.last = now
	t.mu.Unlock()
	t.fn(arg)
	return true
}

// Cancel resets the window and drops every later trigger.
func (t *Throttler[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	t.ran = false
}

// Throttle wraps fn into a throttled function and a cancel function.
func Throttle(clk clock.Clock, interval time.Duration, fn func()) (func() bool, func()) {
	t := NewThrottler(clk, interval, func(struct{}) { fn() })
	return func() bool { return t.Trigger(struct{}{}) }, t.Cancel
}
