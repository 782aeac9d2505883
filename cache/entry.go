package cache

import "time"

// State is the lifecycle state of a cache entry.
type State int

const (
	Empty State = iota
	Fresh
	Stale
	Revalidating
	Error
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Revalidating:
		return "revalidating"
	case Error:
		return "error"
	}
	return "unknown"
}

// Entry is a snapshot of a cached resource.
// Value is copied shallowly; callers must not modify values behind pointers.
type Entry[V any] struct {
	Key      string
	Value    V
	HasValue bool
	// Zero ExpiresAt means the entry never expires.
	CreatedAt time.Time
	ExpiresAt time.Time
	State     State
	// Last fetch error, kept until the next successful fetch.
	Err error
	// Set while the value was written by a mutation that has not been committed.
	Optimistic bool
}

// Expired reports whether the entry's TTL has passed at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Servable reports whether the entry holds a value that can be shown to a reader.
func (e Entry[V]) Servable() bool {
	return e.State != Empty && e.HasValue
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
