package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of entries a MemProvider keeps when no
// capacity is configured.
const DefaultCapacity = 10000

// MemProvider keeps entries in a bounded LRU list.
// When the capacity is reached, the least recently used entry is evicted.
type MemProvider[V any] struct {
	mutex   sync.Mutex
	lru     *lru.Cache[string, Entry[V]]
	purging bool
	onEvict func(string, Entry[V])
}

// NewMemProvider creates a provider holding at most capacity entries.
// A capacity <= 0 uses DefaultCapacity.
func NewMemProvider[V any](capacity int) (*MemProvider[V], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &MemProvider[V]{}
	l, err := lru.NewWithEvict[string, Entry[V]](capacity, m.evicted)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	m.lru = l
	return m, nil
}

// evicted is called by the lru for every removed entry.
// Explicit removals are not evictions.
func (m *MemProvider[V]) evicted(key string, entry Entry[V]) {
	if m.purging || m.onEvict == nil {
		return
	}
	m.onEvict(key, entry)
}

func (m *MemProvider[V]) NotifyEvicted(fn func(key string, entry Entry[V])) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onEvict = fn
}

func (m *MemProvider[V]) Get(key string) (Entry[V], bool, error) {
	entry, ok := m.lru.Get(key)
	return entry, ok, nil
}

func (m *MemProvider[V]) Put(entry Entry[V]) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.lru.Add(entry.Key, entry)
	return nil
}

func (m *MemProvider[V]) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.purging = true
	m.lru.Remove(key)
	m.purging = false
	return nil
}

func (m *MemProvider[V]) Keys(prefix string, cb func(string)) error {
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			cb(key)
		}
	}
	return nil
}

func (m *MemProvider[V]) Oldest(prefix string) (string, time.Time, error) {
	var (
		oldest  string
		expires time.Time
	)
	for _, key := range m.lru.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		// Peek does not count as a use
		entry, ok := m.lru.Peek(key)
		if !ok || entry.State != Fresh || entry.ExpiresAt.IsZero() {
			continue
		}
		if oldest == "" || entry.ExpiresAt.Before(expires) {
			oldest, expires = key, entry.ExpiresAt
		}
	}
	if oldest == "" {
		return "", time.Time{}, ErrNoEntry
	}
	return oldest, expires, nil
}

func (m *MemProvider[V]) Len() int {
	return m.lru.Len()
}

func (m *MemProvider[V]) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.purging = true
	m.lru.Purge()
	m.purging = false
	return nil
}
