package swrcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/always-cache/swrcache/cache"
	cacheupdate "github.com/always-cache/swrcache/pkg/cache-update"
	fetcherror "github.com/always-cache/swrcache/pkg/fetch-error"
)

// CommitFunc sends an optimistic value to the origin.
// It returns the canonical value if the origin sent one, or nil to keep the
// optimistic value. Rejections should be returned as fetcherror.Conflict.
type CommitFunc[V any] func(ctx context.Context, optimistic V) (*V, error)

// Mutation describes an optimistic change of one key.
type Mutation[V any] struct {
	Key string
	// Update computes the optimistic value from the cached one.
	// ok is false if nothing is cached. It may be called more than once.
	Update func(previous V, ok bool) V
	Commit CommitFunc[V]
	// TTL of the written value, <= 0 uses the key's policy.
	TTL time.Duration
	// Keys or patterns to invalidate after the commit.
	Invalidates []string
	// Keys to refresh after the commit.
	Updates []cacheupdate.CacheUpdate
}

type MutationStatus int

const (
	MutationPending MutationStatus = iota
	MutationCommitted
	MutationRolledBack
)

func (s MutationStatus) String() string {
	switch s {
	case MutationPending:
		return "pending"
	case MutationCommitted:
		return "committed"
	case MutationRolledBack:
		return "rolled back"
	}
	return "unknown"
}

// MutationRecord tracks a mutation from the optimistic write until it is
// committed or rolled back.
type MutationRecord[V any] struct {
	ID         uuid.UUID
	Key        string
	Optimistic V
	// Entry the optimistic value replaced.
	Previous  cache.Entry[V]
	Status    MutationStatus
	StartedAt time.Time
}

// mutations holds the records of mutations in flight, at most one per key.
type mutations[V any] struct {
	mu      sync.Mutex
	running map[string]*MutationRecord[V]
}

func newMutations[V any]() *mutations[V] {
	return &mutations[V]{running: make(map[string]*MutationRecord[V])}
}

func (m *mutations[V]) begin(record *MutationRecord[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[record.Key] = record
}

func (m *mutations[V]) end(record *MutationRecord[V], status MutationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.Status = status
	if m.running[record.Key] == record {
		delete(m.running, record.Key)
	}
}

func (m *mutations[V]) get(key string) (MutationRecord[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.running[key]
	if !ok {
		return MutationRecord[V]{}, false
	}
	return *record, true
}

// ApplyOptimistic writes update(previous) into the cache, then commits it.
// See Mutate.
func (c *Client[V]) ApplyOptimistic(ctx context.Context, key string, update func(previous V) V, commit CommitFunc[V]) error {
	return c.Mutate(ctx, Mutation[V]{
		Key: key,
		Update: func(previous V, _ bool) V {
			return update(previous)
		},
		Commit: commit,
	})
}

// Mutate applies a mutation optimistically. Mutations of the same key run
// one at a time, in the order they were called.
//
// The optimistic value is visible to readers until the commit settles. On
// success it is replaced by the canonical value, if any; on failure the
// previous entry is restored before the error is returned.
// If the key was written by someone else in the meantime, the entry is reset
// and a CacheInconsistencyError is returned.
func (c *Client[V]) Mutate(ctx context.Context, m Mutation[V]) error {
	logger := c.log.With().Str("component", "mutation").Str("key", m.Key).Logger()
	if m.Update == nil || m.Commit == nil {
		return errors.New("mutation needs Update and Commit")
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = c.Policy(m.Key).TTL
	}

	release, err := c.queue.acquire(ctx, m.Key)
	if err != nil {
		return fetcherror.Cancelled(m.Key, err)
	}
	defer release()

	var optimistic V
	previous, epoch, done := c.store.ApplyOptimistic(m.Key, ttl, func(prev cache.Entry[V]) V {
		optimistic = m.Update(prev.Value, prev.HasValue)
		return optimistic
	})
	defer done()
	record := &MutationRecord[V]{
		ID:         uuid.New(),
		Key:        m.Key,
		Optimistic: optimistic,
		Previous:   previous,
		StartedAt:  c.clock.Now(),
	}
	c.mutation.begin(record)
	logger = logger.With().Str("mutation", record.ID.String()).Logger()
	logger.Debug().Msg("Applied optimistic update")

	canonical, err := m.Commit(ctx, optimistic)
	if err != nil {
		if ctx.Err() != nil {
			err = fetcherror.Cancelled(m.Key, ctx.Err())
		} else {
			err = fetcherror.Classify(m.Key, err)
		}
		c.mutation.end(record, MutationRolledBack)
		if !c.store.Rollback(m.Key, epoch, previous) {
			return multierror.Append(err, c.inconsistent(m.Key, "entry was written during a failed mutation"))
		}
		logger.Debug().Err(err).Msg("Rolled back optimistic update")
		return err
	}

	value := optimistic
	if canonical != nil {
		value = *canonical
	}
	c.mutation.end(record, MutationCommitted)
	if !c.store.CommitOptimistic(m.Key, epoch, value, ttl) {
		return c.inconsistent(m.Key, "entry was written during a mutation")
	}
	logger.Debug().Bool("canonical", canonical != nil).Msg("Committed optimistic update")

	for _, pattern := range m.Invalidates {
		c.Invalidate(pattern)
	}
	c.ApplyUpdates(m.Updates...)
	return nil
}

// PendingMutation returns the mutation of key in flight, if any.
func (c *Client[V]) PendingMutation(key string) (MutationRecord[V], bool) {
	return c.mutation.get(key)
}

// inconsistent resets key so the next read fetches it again.
func (c *Client[V]) inconsistent(key, reason string) error {
	err := &fetcherror.CacheInconsistencyError{Key: key, Reason: reason}
	c.log.Error().Err(err).Str("key", key).Msg("Resetting cache entry")
	c.store.Reset(key)
	return err
}
