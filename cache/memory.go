package cache

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viccon/sturdyc"
)

// Fixtures do not expire; sturdyc still needs a TTL, so use one that outlives any test run.
const memoryTTL = 100 * 365 * 24 * time.Hour

// ErrStoreFull is returned when a new fixture would exceed the store capacity.
// Stored fixtures are never evicted to make room.
var ErrStoreFull = errors.New("fixture store is full")

// MemoryConfig holds the sturdyc options for a MemoryStore.
type MemoryConfig struct {
	// Capacity defines the maximum number of fixtures held in memory.
	Capacity int
	// NumShards determines the number of cache shards for concurrent access.
	NumShards int
	// EvictionPercentage is passed on to sturdyc. The store never lets a shard
	// fill up, so nothing is evicted. Must be between 1-100.
	EvictionPercentage int
}

// DefaultMemoryConfig returns a MemoryConfig with sensible defaults for fixture sets.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:           10000,
		NumShards:          16,
		EvictionPercentage: 10,
	}
}

// Validate checks if the configuration values are valid.
func (c MemoryConfig) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}
	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}
	return nil
}

// ConfigError represents a store configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// MemoryStore keeps fixtures in a sharded in-memory sturdyc client.
// It holds a snapshot of the recorded response, so later changes made by the
// caller to the response object do not reach the fixture.
// Nothing survives a process restart.
type MemoryStore struct {
	client   *sturdyc.Client[Fixture]
	capacity int
	// serializes the capacity check with the write
	writeMutex sync.Mutex
}

func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// sturdyc splits its capacity evenly over the shards and evicts from a full
	// shard, even when a write replaces a key. Every shard gets room for all
	// fixtures plus one, the limit is enforced in Put.
	client := sturdyc.New[Fixture](
		(cfg.Capacity+1)*cfg.NumShards,
		cfg.NumShards,
		memoryTTL,
		cfg.EvictionPercentage,
	)
	return &MemoryStore{client: client, capacity: cfg.Capacity}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Fixture, bool, error) {
	f, ok := m.client.Get(key)
	return f, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, entry CacheEntry) error {
	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()
	if _, exists := m.client.Get(entry.Key); !exists && m.client.Size() >= m.capacity {
		return ErrStoreFull
	}
	f := entry.Fixture
	f.Response = snapshotResponse(f.Response)
	m.client.Set(entry.Key, f)
	return nil
}

// snapshotResponse copies res without its body. The body is part of the fixture.
func snapshotResponse(res *http.Response) *http.Response {
	if res == nil {
		return nil
	}
	c := *res
	c.Header = res.Header.Clone()
	c.Trailer = res.Trailer.Clone()
	c.TransferEncoding = append([]string(nil), res.TransferEncoding...)
	c.Body = nil
	return &c
}

func (m *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	_, ok := m.client.Get(key)
	return ok, nil
}

func (m *MemoryStore) AllKeys(_ context.Context, prefix string, cb func(string)) error {
	keys := m.client.ScanKeys()
	sort.Strings(keys)
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			cb(key)
		}
	}
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, key string) error {
	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()
	m.client.Delete(key)
	return nil
}
