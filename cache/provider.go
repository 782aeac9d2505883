package cache

import (
	"errors"
	"time"
)

// ErrNoEntry is returned by Provider.Oldest when no entry qualifies.
var ErrNoEntry = errors.New("no cache entry")

// Provider is the storage behind a Store.
// The store serializes its own calls, but implementations must still be
// thread-safe, since a provider may be inspected directly.
type Provider[V any] interface {
	// Get returns the entry for the given key, if it exists.
	// Providers do not apply expiry; the store does that lazily.
	Get(key string) (Entry[V], bool, error)
	// Put stores the entry under its key, replacing any previous one.
	Put(entry Entry[V]) error
	// Purge removes the entry for the given key.
	// Purging a missing key is not an error.
	Purge(key string) error
	// Keys calls the given callback for each key with the given prefix.
	Keys(prefix string, cb func(string)) error
	// Oldest returns the key and expiration time of the Fresh entry with the
	// given prefix that expires first. Entries without expiry are skipped.
	// It returns ErrNoEntry if there is none.
	Oldest(prefix string) (string, time.Time, error)
	Len() int
	Close() error
}

// EvictionNotifier is implemented by providers that drop entries on their own,
// for instance when over capacity. The callback runs synchronously inside the
// provider call (Put) that caused the eviction.
type EvictionNotifier[V any] interface {
	NotifyEvicted(fn func(key string, entry Entry[V]))
}
