package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	serializer "github.com/always-cache/replay/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

// Fixture is a recorded response and its complete body.
type Fixture = serializer.Fixture

// CacheEntry is a fixture together with the key it is stored under.
type CacheEntry struct {
	Key     string
	Fixture Fixture
}

// Store is the fixture repository used by the replayer.
// A lookup for a key that was never stored is a miss, not an error:
// Get returns a zero Fixture, false and a nil error in that case.
// Errors are reserved for actual I/O or decoding failures.
//
// Put inserts or replaces the entry; the last write for a key wins.
//
// Implementations must be thread-safe!
type Store interface {
	Get(ctx context.Context, key string) (Fixture, bool, error)
	Put(ctx context.Context, entry CacheEntry) error
}

// Lister is implemented by stores that can enumerate and remove fixtures.
// It is used by tooling around the replayer, never by the replayer itself.
type Lister interface {
	Store
	// Has checks if the specified key exists in the store.
	Has(ctx context.Context, key string) (bool, error)
	// AllKeys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (implementations might page through results).
	AllKeys(ctx context.Context, prefix string, cb func(string)) error
	// Purge removes the fixture for the given key.
	Purge(ctx context.Context, key string) error
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// memoryDBs numbers the in-memory databases opened by this process.
var memoryDBs atomic.Int64

// NewSQLiteStore opens a store with the given filename as the db.
// If file name is empty, a new in-memory db is opened. It is private to the
// store, other stores opened the same way do not share it.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:replay-memory-%d-%d?mode=memory&cache=shared", os.Getpid(), memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS fixtures (
			key TEXT PRIMARY KEY,
			recorded_at INTEGER,
			bytes BLOB
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare sqlite store: %w", err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Fixture, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM fixtures WHERE key = ?", key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Fixture{}, false, nil
	}
	if err != nil {
		return Fixture{}, false, err
	}
	f, err := serializer.BytesToFixture(bytes)
	if err != nil {
		return Fixture{}, false, err
	}
	return f, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry CacheEntry) error {
	bytes, err := serializer.FixtureToBytes(entry.Fixture)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO fixtures
		(key, recorded_at, bytes) VALUES (?, ?, ?)`,
		entry.Key, entry.Fixture.RecordedAt.Unix(), bytes)
	return err
}

func (s *SQLiteStore) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM fixtures WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	// instr instead of LIKE, buckets may contain LIKE wildcards
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM fixtures WHERE instr(key, ?) = 1 ORDER BY key", prefix)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM fixtures WHERE key = ?", key)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

