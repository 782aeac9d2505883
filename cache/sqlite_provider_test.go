package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSQLiteProvider[V any](t *testing.T) *SQLiteProvider[V] {
	t.Helper()
	p, err := NewSQLiteProvider[V]()
	require.NoError(t, err)
	return p
}

func TestSQLiteRoundTrip(t *testing.T) {
	p := newSQLiteProvider[user](t)
	defer p.Close()

	created := time.Unix(100, 0)
	in := Entry[user]{
		Key:       "users/42",
		Value:     user{42, "A"},
		HasValue:  true,
		CreatedAt: created,
		ExpiresAt: created.Add(5 * time.Second),
		State:     Error,
		Err:       errors.New("boom"),
	}
	require.NoError(t, p.Put(in))

	out, ok, err := p.Get("users/42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Value, out.Value)
	require.Equal(t, Error, out.State)
	require.True(t, out.CreatedAt.Equal(in.CreatedAt))
	require.True(t, out.ExpiresAt.Equal(in.ExpiresAt))
	require.EqualError(t, out.Err, "boom")

	_, ok, err = p.Get("users/43")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Purge("users/42"))
	require.Equal(t, 0, p.Len())
}

func TestSQLiteKeysAndOldest(t *testing.T) {
	p := newSQLiteProvider[int](t)
	defer p.Close()

	now := time.Unix(1000, 0)
	for i, key := range []string{"users/1", "users/2", "users_x", "posts/1"} {
		require.NoError(t, p.Put(Entry[int]{
			Key: key, Value: i, HasValue: true, State: Fresh,
			CreatedAt: now, ExpiresAt: now.Add(time.Duration(10-i) * time.Second),
		}))
	}

	keys := make([]string, 0)
	require.NoError(t, p.Keys("users/", func(key string) { keys = append(keys, key) }))
	require.ElementsMatch(t, []string{"users/1", "users/2"}, keys)

	key, expires, err := p.Oldest("users/")
	require.NoError(t, err)
	require.Equal(t, "users/2", key)
	require.True(t, expires.Equal(now.Add(9*time.Second)))

	_, _, err = p.Oldest("comments/")
	require.ErrorIs(t, err, ErrNoEntry)
}

func TestSQLiteProvidersAreSeparate(t *testing.T) {
	a := newSQLiteProvider[int](t)
	defer a.Close()
	b := newSQLiteProvider[int](t)
	defer b.Close()

	require.NoError(t, a.Put(Entry[int]{Key: "k", Value: 1, HasValue: true, State: Fresh}))
	_, ok, err := b.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreOnSQLite(t *testing.T) {
	s, mock := newTestStore[user](t, newSQLiteProvider[user](t))

	s.Set("users/42", user{42, "A"}, 5*time.Second)
	mock.Add(6 * time.Second)
	e := s.Get("users/42")
	require.Equal(t, Stale, e.State)
	require.Equal(t, user{42, "A"}, e.Value)

	require.Equal(t, 1, s.Invalidate("users/*"))
	require.Equal(t, Empty, s.Get("users/42").State)
}
