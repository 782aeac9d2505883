package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// SQLiteProvider stores entries in a private in-memory SQLite database.
// Values are encoded as JSON, so V must survive a JSON round trip.
// Errors are kept as their message only.
type SQLiteProvider[V any] struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens a new in-memory database.
// Every provider gets its own database, which is gone once the provider is closed.
func NewSQLiteProvider[V any]() (*SQLiteProvider[V], error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// the database lives as long as a connection to it is open
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			state INTEGER,
			has_value INTEGER,
			value BLOB,
			created_at INTEGER,
			expires_at INTEGER,
			err TEXT,
			optimistic INTEGER
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires_at)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteProvider[V]{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider[V]) Get(key string) (Entry[V], bool, error) {
	var (
		entry                Entry[V]
		state                int
		hasValue, optimistic bool
		value                []byte
		created, expires     sql.NullInt64
		errText              sql.NullString
	)
	err := s.db.QueryRow(`SELECT state, has_value, value, created_at, expires_at, err, optimistic
		FROM cache WHERE key = ?`, key).
		Scan(&state, &hasValue, &value, &created, &expires, &errText, &optimistic)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.Key = key
	entry.State = State(state)
	entry.HasValue = hasValue
	entry.Optimistic = optimistic
	entry.CreatedAt = fromNanos(created)
	entry.ExpiresAt = fromNanos(expires)
	if errText.Valid {
		entry.Err = errors.New(errText.String)
	}
	if hasValue {
		if err := json.Unmarshal(value, &entry.Value); err != nil {
			return entry, false, fmt.Errorf("decoding %q: %w", key, err)
		}
	}
	return entry, true, nil
}

func (s *SQLiteProvider[V]) Put(entry Entry[V]) error {
	var value []byte
	if entry.HasValue {
		var err error
		if value, err = json.Marshal(entry.Value); err != nil {
			return fmt.Errorf("encoding %q: %w", entry.Key, err)
		}
	}
	var errText sql.NullString
	if entry.Err != nil {
		errText = sql.NullString{String: entry.Err.Error(), Valid: true}
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache
		(key, state, has_value, value, created_at, expires_at, err, optimistic) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key, int(entry.State), entry.HasValue, value,
		toNanos(entry.CreatedAt), toNanos(entry.ExpiresAt), errText, entry.Optimistic)
	return err
}

func (s *SQLiteProvider[V]) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s *SQLiteProvider[V]) Keys(prefix string, cb func(string)) error {
	rows, err := s.db.Query(`SELECT key FROM cache WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return err
	}
	// collect first, the callback may use the database
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s *SQLiteProvider[V]) Oldest(prefix string) (string, time.Time, error) {
	var (
		key     string
		expires int64
	)
	err := s.db.QueryRow(
		`SELECT key, expires_at FROM cache
		WHERE key LIKE ? ESCAPE '\' AND state = ? AND expires_at IS NOT NULL
		ORDER BY expires_at ASC LIMIT 1`,
		likePrefix(prefix), int(Fresh),
	).Scan(&key, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNoEntry
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return key, time.Unix(0, expires), nil
}

func (s *SQLiteProvider[V]) Len() int {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *SQLiteProvider[V]) Close() error {
	return s.db.Close()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func toNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}
