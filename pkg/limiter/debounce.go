// Package limiter provides debounce and throttle primitives on an injected clock.
package limiter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Debouncer delays calls to fn until no trigger has happened for delay.
// Only the argument of the last trigger is passed on.
type Debouncer[T any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	delay   time.Duration
	fn      func(T)
	timer   *clock.Timer
	arg     T
	pending bool
	// bumped by every trigger, so a timer that was replaced does nothing
	gen uint64
}

func NewDebouncer[T any](clk clock.Clock, delay time.Duration, fn func(T)) *Debouncer[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Debouncer[T]{clock: clk, delay: delay, fn: fn}
}

// Trigger (re)starts the delay, replacing the argument of any pending call.
func (d *Debouncer[T]) Trigger(arg T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
	d.arg = arg
	d.pending = true
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.fire(gen)
	})
}

// Cancel discards the pending call, if any.
// It reports whether a call was pending.
func (d *Debouncer[T]) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending := d.pending
	d.stop()
	return pending
}

// Flush runs the pending call right away instead of waiting for the delay.
// It reports whether a call was pending.
func (d *Debouncer[T]) Flush() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	arg := d.arg
	d.stop()
	d.mu.Unlock()
	d.fn(arg)
	return true
}

// Pending reports whether a call is waiting for the delay to pass.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if !d.pending || gen != d.gen {
		d.mu.Unlock()
		return
	}
	arg := d.arg
	d.pending = false
	d.timer = nil
	d.mu.Unlock()
	d.fn(arg)
}

// stop must be called with d.mu held.
func (d *Debouncer[T]) stop() {
	d.gen++
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	var zero T
	d.arg = zero
}

// Debounce wraps fn into a debounced function and a cancel function.
func Debounce(clk clock.Clock, delay time.Duration, fn func()) (func(), func()) {
	d := NewDebouncer(clk, delay, func(struct{}) { fn() })
	return func() { d.Trigger(struct{}{}) }, func() { d.Cancel() }
}
