package cache

import (
	"errors"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/rs/zerolog"
)

// Subscriber is called whenever the entry of a key changes state.
// It is never called while the store is locked, so it may use the store.
// Notifications are delivered one at a time, in the order the store made
// the changes; a change made from within a subscriber is delivered after
// it returns.
type Subscriber[V any] func(key string, entry Entry[V])

// Options configure a Store.
type Options[V any] struct {
	// Provider holding the entries. Defaults to a MemProvider of Capacity entries.
	Provider Provider[V]
	// Capacity of the default provider.
	Capacity int
	// Clock used for timestamps. Defaults to the wall clock.
	Clock clock.Clock
	// TTL used when Set or a fetch does not give one. Zero means entries never expire.
	DefaultTTL time.Duration
	// Logger to use, if nil, a console logger is created.
	Logger *zerolog.Logger
}

// Stats are counters of a Store since it was created.
type Stats struct {
	Hits      uint64
	Misses    uint64
	StaleHits uint64
	Evictions uint64
	Entries   int
}

// Store maps keys to entries with lazily computed TTL expiry.
//
// Every key has an epoch that changes whenever the key is written by someone
// other than the fetch that is currently in flight. Fetch and mutation
// results carry the epoch they started with and are only written if it is
// still current. Epochs are tracked for stored keys and for keys held with
// HoldEpoch; other keys share the store-wide base epoch.
type Store[V any] struct {
	mu       sync.Mutex
	provider Provider[V]
	clock    clock.Clock
	ttl      time.Duration
	log      zerolog.Logger

	// epochs
	gen     map[string]uint64
	held    map[string]int
	counter uint64
	base    uint64

	// notifications queued while locked
	queued []Entry[V]
	// notifications waiting for delivery, drained by one goroutine at a time
	outMu    sync.Mutex
	outbox   *deque.Deque[Entry[V]]
	draining bool

	subMu   sync.RWMutex
	subs    map[string]map[uint64]Subscriber[V]
	all     map[uint64]Subscriber[V]
	nextSub uint64

	hits, misses, staleHits, evictions atomic.Uint64
}

// NewStore creates a store from the given options.
func NewStore[V any](opts Options[V]) (*Store[V], error) {
	if opts.Logger == nil {
		l := zerolog.New(zerolog.NewConsoleWriter())
		opts.Logger = &l
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Provider == nil {
		p, err := NewMemProvider[V](opts.Capacity)
		if err != nil {
			return nil, err
		}
		opts.Provider = p
	}
	s := &Store[V]{
		provider: opts.Provider,
		clock:    opts.Clock,
		ttl:      opts.DefaultTTL,
		log:      opts.Logger.With().Str("component", "store").Logger(),
		gen:      make(map[string]uint64),
		held:     make(map[string]int),
		outbox:   deque.New[Entry[V]](),
		subs:     make(map[string]map[uint64]Subscriber[V]),
		all:      make(map[uint64]Subscriber[V]),
	}
	if notifier, ok := s.provider.(EvictionNotifier[V]); ok {
		notifier.NotifyEvicted(s.evicted)
	}
	return s, nil
}

// Clock returns the clock the store computes expiry with.
func (s *Store[V]) Clock() clock.Clock {
	return s.clock
}

// DefaultTTL returns the TTL used when none is given.
func (s *Store[V]) DefaultTTL() time.Duration {
	return s.ttl
}

// Get returns the current entry for key, never waiting on a fetch.
// A Fresh entry whose TTL has passed is reported, and stored, as Stale.
func (s *Store[V]) Get(key string) Entry[V] {
	s.mu.Lock()
	defer s.unlock()
	entry := s.load(key)
	switch {
	case entry.State == Fresh:
		s.hits.Add(1)
	case entry.Servable():
		s.staleHits.Add(1)
	default:
		s.misses.Add(1)
	}
	return entry
}

// Peek is like Get, but does not count as a read in Stats.
func (s *Store[V]) Peek(key string) Entry[V] {
	s.mu.Lock()
	defer s.unlock()
	return s.load(key)
}

// Set overwrites the entry for key with a Fresh value.
// A ttl <= 0 uses the default TTL.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.unlock()
	s.bump(key)
	s.store(s.fresh(key, value, ttl))
}

// Invalidate removes the entry for key, or every entry matching the pattern
// if it contains glob meta characters (see path.Match).
// Invalidated keys get a new epoch, so fetches in flight for them are discarded.
// It returns the number of removed entries.
func (s *Store[V]) Invalidate(keyOrPattern string) int {
	s.mu.Lock()
	defer s.unlock()
	if !isPattern(keyOrPattern) {
		s.bump(keyOrPattern)
		if s.remove(keyOrPattern) {
			return 1
		}
		return 0
	}
	keys := make([]string, 0)
	err := s.provider.Keys(literalPrefix(keyOrPattern), func(key string) {
		if ok, _ := path.Match(keyOrPattern, key); ok {
			keys = append(keys, key)
		}
	})
	if err != nil {
		s.log.Error().Err(err).Str("pattern", keyOrPattern).Msg("Could not list keys")
	}
	removed := 0
	for _, key := range keys {
		s.bump(key)
		if s.remove(key) {
			removed++
		}
	}
	return removed
}

// MarkStale turns a Fresh entry Stale, keeping its value.
// It reports whether the entry was Fresh.
func (s *Store[V]) MarkStale(key string) bool {
	s.mu.Lock()
	defer s.unlock()
	entry := s.load(key)
	if entry.State != Fresh {
		return false
	}
	entry.State = Stale
	s.store(entry)
	return true
}

// Epoch returns the current epoch of key.
// The epoch of a key that is neither stored nor held may fall back to the
// base epoch once the key is removed; use HoldEpoch to compare it later.
func (s *Store[V]) Epoch(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch(key)
}

// HoldEpoch returns the current epoch of key and keeps tracking it until
// release is called, even if the entry is removed or evicted meanwhile.
// release may be called any number of times.
func (s *Store[V]) HoldEpoch(key string) (uint64, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[key]++
	epoch := s.epoch(key)
	var once sync.Once
	return epoch, func() {
		once.Do(func() { s.release(key) })
	}
}

// BeginRevalidate marks the entry as being fetched.
// It returns false if epoch is not current.
func (s *Store[V]) BeginRevalidate(key string, epoch uint64) bool {
	s.mu.Lock()
	defer s.unlock()
	if s.epoch(key) != epoch {
		return false
	}
	entry := s.load(key)
	entry.Key = key
	entry.State = Revalidating
	s.store(entry)
	return true
}

// CompleteFetch writes a fetched value as Fresh, clearing any previous error.
// It returns false, writing nothing, if epoch is not current.
func (s *Store[V]) CompleteFetch(key string, epoch uint64, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.unlock()
	if s.epoch(key) != epoch {
		return false
	}
	s.store(s.fresh(key, value, ttl))
	return true
}

// FailFetch puts the entry into the Error state, keeping the previous value.
// It returns false if epoch is not current.
func (s *Store[V]) FailFetch(key string, epoch uint64, err error) bool {
	s.mu.Lock()
	defer s.unlock()
	if s.epoch(key) != epoch {
		return false
	}
	entry := s.load(key)
	entry.Key = key
	entry.State = Error
	entry.Err = err
	s.store(entry)
	return true
}

// AbortFetch undoes BeginRevalidate for a fetch that was cancelled.
// An entry with a value goes back to Stale, one without is removed.
// It returns false if epoch is not current.
func (s *Store[V]) AbortFetch(key string, epoch uint64) bool {
	s.mu.Lock()
	defer s.unlock()
	if s.epoch(key) != epoch {
		return false
	}
	entry := s.load(key)
	if entry.State != Revalidating {
		return true
	}
	if !entry.HasValue {
		s.remove(key)
		return true
	}
	entry.State = Stale
	s.store(entry)
	return true
}

// ApplyOptimistic writes update(previous) as an uncommitted Fresh value.
// The previous entry and the write happen atomically: if another writer
// touched the key while update was running, update is called again with the
// new entry. update must not use the store.
// It returns the previous entry and the epoch of the optimistic write, which
// stays held until release is called.
func (s *Store[V]) ApplyOptimistic(key string, ttl time.Duration, update func(previous Entry[V]) V) (previous Entry[V], epoch uint64, release func()) {
	_, release = s.HoldEpoch(key)
	for {
		s.mu.Lock()
		previous = s.load(key)
		epoch = s.epoch(key)
		s.unlock()

		value := update(previous)

		s.mu.Lock()
		if s.epoch(key) != epoch {
			s.unlock()
			continue
		}
		s.bump(key)
		entry := s.fresh(key, value, ttl)
		entry.Optimistic = true
		s.store(entry)
		epoch = s.epoch(key)
		s.unlock()
		return previous, epoch, release
	}
}

// CommitOptimistic writes the committed value of a mutation as Fresh.
// It returns false if epoch is not current.
func (s *Store[V]) CommitOptimistic(key string, epoch uint64, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.unlock()
	if s.epoch(key) != epoch {
		return false
	}
	s.store(s.fresh(key, value, ttl))
	return true
}

// Rollback restores the entry a mutation replaced.
// A previous Revalidating state comes back as Stale, since the optimistic
// write superseded that fetch.
// It returns false if epoch is not current.
func (s *Store[V]) Rollback(key string, epoch uint64, previous Entry[V]) bool {
	s.mu.Lock()
	defer s.unlock()
	if s.epoch(key) != epoch {
		return false
	}
	if previous.State == Empty {
		s.remove(key)
		return true
	}
	previous.Key = key
	if previous.State == Revalidating {
		previous.State = Stale
		if !previous.HasValue {
			s.remove(key)
			return true
		}
	}
	s.store(previous)
	return true
}

// Reset removes the entry for key unconditionally and starts a new epoch.
func (s *Store[V]) Reset(key string) {
	s.mu.Lock()
	defer s.unlock()
	s.bump(key)
	s.remove(key)
}

// Subscribe calls fn for every state change of key.
// The returned function removes the subscription and may be called any number of times.
func (s *Store[V]) Subscribe(key string, fn Subscriber[V]) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]Subscriber[V])
	}
	s.subs[key][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs[key], id)
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
		})
	}
}

// SubscribeAll calls fn for every state change of any key.
func (s *Store[V]) SubscribeAll(fn Subscriber[V]) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.all[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.all, id)
		})
	}
}

// Keys calls cb for every stored key with the given prefix.
func (s *Store[V]) Keys(prefix string, cb func(string)) {
	keys := make([]string, 0)
	s.mu.Lock()
	err := s.provider.Keys(prefix, func(key string) {
		keys = append(keys, key)
	})
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("prefix", prefix).Msg("Could not list keys")
	}
	for _, key := range keys {
		cb(key)
	}
}

// Oldest returns the Fresh key with the given prefix that expires first.
func (s *Store[V]) Oldest(prefix string) (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, expires, err := s.provider.Oldest(prefix)
	if err != nil {
		if !errors.Is(err, ErrNoEntry) {
			s.log.Error().Err(err).Msg("Could not get oldest entry")
		}
		return "", time.Time{}, false
	}
	return key, expires, true
}

func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider.Len()
}

// Clear removes every entry and starts a new epoch for all keys.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.unlock()
	keys := make([]string, 0)
	if err := s.provider.Keys("", func(key string) {
		keys = append(keys, key)
	}); err != nil {
		s.log.Error().Err(err).Msg("Could not list keys")
	}
	s.counter++
	s.base = s.counter
	s.gen = make(map[string]uint64)
	for _, key := range keys {
		s.remove(key)
	}
}

func (s *Store[V]) Stats() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		StaleHits: s.staleHits.Load(),
		Evictions: s.evictions.Load(),
		Entries:   s.Len(),
	}
}

// Close releases the provider. The store must not be used afterwards.
func (s *Store[V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider.Close()
}

// load returns the entry for key, applying lazy expiry.
// s.mu must be held.
func (s *Store[V]) load(key string) Entry[V] {
	entry, ok, err := s.provider.Get(key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not get cache entry")
	}
	if !ok || err != nil {
		return Entry[V]{Key: key, State: Empty}
	}
	if entry.State == Fresh && entry.Expired(s.clock.Now()) {
		s.log.Trace().Str("key", key).Msg("Entry expired")
		entry.State = Stale
		s.store(entry)
	}
	return entry
}

// store writes the entry and queues a notification.
// s.mu must be held.
func (s *Store[V]) store(entry Entry[V]) {
	s.log.Trace().Str("key", entry.Key).Stringer("state", entry.State).Msg("Storing entry")
	if err := s.provider.Put(entry); err != nil {
		s.log.Error().Err(err).Str("key", entry.Key).Msg("Could not store cache entry")
		return
	}
	s.queued = append(s.queued, entry)
}

// remove purges the entry and queues an Empty notification if it existed.
// s.mu must be held.
func (s *Store[V]) remove(key string) bool {
	_, ok, err := s.provider.Get(key)
	if err != nil {
		return false
	}
	if !ok {
		s.forget(key)
		return false
	}
	if err := s.provider.Purge(key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not purge cache entry")
		return false
	}
	s.forget(key)
	s.queued = append(s.queued, Entry[V]{Key: key, State: Empty})
	return true
}

// evicted is called by the provider from within Put, so s.mu is held.
func (s *Store[V]) evicted(key string, _ Entry[V]) {
	s.log.Debug().Str("key", key).Msg("Entry evicted")
	s.evictions.Add(1)
	s.forget(key)
	s.queued = append(s.queued, Entry[V]{Key: key, State: Empty})
}

// forget stops tracking the epoch of a key that is no longer stored.
// Nobody holds an epoch of an unheld key, so it can fall back to s.base.
// s.mu must be held.
func (s *Store[V]) forget(key string) {
	if s.held[key] == 0 {
		delete(s.gen, key)
	}
}

func (s *Store[V]) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key]--; s.held[key] > 0 {
		return
	}
	delete(s.held, key)
	if _, ok, err := s.provider.Get(key); err == nil && !ok {
		delete(s.gen, key)
	}
}

func (s *Store[V]) fresh(key string, value V, ttl time.Duration) Entry[V] {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.clock.Now()
	return Entry[V]{
		Key:       key,
		Value:     value,
		HasValue:  true,
		CreatedAt: now,
		ExpiresAt: expiry(now, ttl),
		State:     Fresh,
	}
}

func (s *Store[V]) epoch(key string) uint64 {
	if gen, ok := s.gen[key]; ok {
		return gen
	}
	return s.base
}

func (s *Store[V]) bump(key string) {
	s.counter++
	s.gen[key] = s.counter
}

// unlock releases s.mu and then delivers the queued notifications.
// The notifications are moved to the outbox before s.mu is released, so the
// outbox is in store order. If another goroutine is draining the outbox, it
// delivers them instead.
func (s *Store[V]) unlock() {
	if len(s.queued) == 0 {
		s.mu.Unlock()
		return
	}
	s.outMu.Lock()
	for _, entry := range s.queued {
		s.outbox.PushBack(entry)
	}
	deliver := !s.draining
	s.draining = true
	s.outMu.Unlock()
	s.queued = nil
	s.mu.Unlock()
	if deliver {
		s.drain()
	}
}

func (s *Store[V]) drain() {
	for {
		s.outMu.Lock()
		if s.outbox.Len() == 0 {
			s.draining = false
			s.outMu.Unlock()
			return
		}
		entry := s.outbox.PopFront()
		s.outMu.Unlock()
		s.notify(entry)
	}
}

func (s *Store[V]) notify(entry Entry[V]) {
	s.subMu.RLock()
	subs := make([]Subscriber[V], 0, len(s.subs[entry.Key])+len(s.all))
	for _, fn := range s.subs[entry.Key] {
		subs = append(subs, fn)
	}
	for _, fn := range s.all {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(entry.Key, entry)
	}
}

func isPattern(key string) bool {
	return strings.ContainsAny(key, `*?[\`)
}

// literalPrefix returns the part of a glob pattern before the first meta character.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
