package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(body string) Fixture {
	return Fixture{
		Response: &http.Response{
			Status:     "200 OK",
			StatusCode: http.StatusOK,
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{"Content-Type": {"application/json"}},
		},
		Body:       body,
		RecordedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func stores(t *testing.T) map[string]Lister {
	t.Helper()

	mem, err := NewMemoryStore(DefaultMemoryConfig())
	require.NoError(t, err)

	// a named shared-cache memory db per test, so tests do not see each other's rows
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	sqlite, err := NewSQLiteStore("file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Lister{
		"memory": mem,
		"sqlite": sqlite,
		"redis":  NewRedisStore(client, "fixtures:"),
		"dir":    NewDirStore(t.TempDir()),
	}
}

func TestStoreMissIsNotAnError(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f, ok, err := s.Get(ctx, "bucket-nothing-here")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, f.Response)
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	bodies := []string{"", `{"baz":"bat"}`, "line one\r\n\r\nline two with : and , and -"}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, body := range bodies {
				key := "bucket-" + string(rune('a'+i))
				require.NoError(t, s.Put(ctx, CacheEntry{Key: key, Fixture: newFixture(body)}))

				f, ok, err := s.Get(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, body, f.Body)
				assert.Equal(t, http.StatusOK, f.Response.StatusCode)
				assert.Equal(t, "application/json", f.Response.Header.Get("Content-Type"))
			}
		})
	}
}

func TestStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, CacheEntry{Key: "bucket-k", Fixture: newFixture("first")}))
			require.NoError(t, s.Put(ctx, CacheEntry{Key: "bucket-k", Fixture: newFixture("second")}))

			f, ok, err := s.Get(ctx, "bucket-k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "second", f.Body)
		})
	}
}

func TestStoreListAndPurge(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"one-1", "one-2", "two-1"} {
				require.NoError(t, s.Put(ctx, CacheEntry{Key: key, Fixture: newFixture(key)}))
			}

			var keys []string
			require.NoError(t, s.AllKeys(ctx, "one-", func(key string) {
				keys = append(keys, key)
			}))
			assert.ElementsMatch(t, []string{"one-1", "one-2"}, keys)

			has, err := s.Has(ctx, "one-1")
			require.NoError(t, err)
			assert.True(t, has)

			require.NoError(t, s.Purge(ctx, "one-1"))
			has, err = s.Has(ctx, "one-1")
			require.NoError(t, err)
			assert.False(t, has)

			_, ok, err := s.Get(ctx, "one-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryStoreKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryStore(DefaultMemoryConfig())
	require.NoError(t, err)

	f := newFixture("hello")
	f.Response.Body = io.NopCloser(strings.NewReader("hello"))
	require.NoError(t, mem.Put(ctx, CacheEntry{Key: "b-1", Fixture: f}))

	// the caller keeps using its response
	f.Response.StatusCode = http.StatusInternalServerError
	f.Response.Header.Del("Content-Type")
	f.Response.Header.Set("Connection", "close")

	got, ok, err := mem.Get(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, f.Response, got.Response)
	assert.Equal(t, http.StatusOK, got.Response.StatusCode)
	assert.Equal(t, "application/json", got.Response.Header.Get("Content-Type"))
	assert.Empty(t, got.Response.Header.Get("Connection"))
	assert.Nil(t, got.Response.Body)
	assert.Equal(t, "hello", got.Body)
}

func TestMemoryStoreFull(t *testing.T) {
	ctx := context.Background()
	// a single shard holds every key
	mem, err := NewMemoryStore(MemoryConfig{Capacity: 4, NumShards: 1, EvictionPercentage: 10})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, mem.Put(ctx, CacheEntry{Key: fmt.Sprintf("b-%d", i), Fixture: newFixture("x")}))
	}
	err = mem.Put(ctx, CacheEntry{Key: "b-4", Fixture: newFixture("x")})
	assert.ErrorIs(t, err, ErrStoreFull)

	// overwriting a stored key is still allowed and evicts nothing
	require.NoError(t, mem.Put(ctx, CacheEntry{Key: "b-0", Fixture: newFixture("y")}))
	got, ok, err := mem.Get(ctx, "b-0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "y", got.Body)
	for i := 1; i < 4; i++ {
		found, err := mem.Has(ctx, fmt.Sprintf("b-%d", i))
		require.NoError(t, err)
		assert.True(t, found, "fixture %d evicted", i)
	}

	// purging makes room again
	require.NoError(t, mem.Purge(ctx, "b-1"))
	require.NoError(t, mem.Put(ctx, CacheEntry{Key: "b-4", Fixture: newFixture("x")}))
}

func TestMemoryStoreDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultMemoryConfig()
	mem, err := NewMemoryStore(cfg)
	require.NoError(t, err)

	for i := 0; i < cfg.Capacity; i++ {
		require.NoError(t, mem.Put(ctx, CacheEntry{Key: fmt.Sprintf("b-%d", i), Fixture: newFixture("x")}))
	}
	for i := 0; i < cfg.Capacity; i++ {
		found, err := mem.Has(ctx, fmt.Sprintf("b-%d", i))
		require.NoError(t, err)
		require.True(t, found, "fixture %d evicted", i)
	}
	assert.ErrorIs(t, mem.Put(ctx, CacheEntry{Key: "b-new", Fixture: newFixture("x")}), ErrStoreFull)
}

func TestMemoryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MemoryConfig
		wantErr string
	}{
		{name: "default", cfg: DefaultMemoryConfig()},
		{name: "zero capacity", cfg: MemoryConfig{NumShards: 1, EvictionPercentage: 10}, wantErr: "Capacity"},
		{name: "zero shards", cfg: MemoryConfig{Capacity: 1, EvictionPercentage: 10}, wantErr: "NumShards"},
		{name: "eviction too high", cfg: MemoryConfig{Capacity: 1, NumShards: 1, EvictionPercentage: 101}, wantErr: "EvictionPercentage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantErr, cfgErr.Field)
		})
	}
}

func TestDirStoreWritesReadableFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewDirStore(dir)
	require.NoError(t, s.Put(ctx, CacheEntry{Key: "my bucket-abc", Fixture: newFixture("hello")}))

	bytes, err := os.ReadFile(filepath.Join(dir, "my%20bucket-abc.http"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(bytes), "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(string(bytes), "\r\n\r\nhello"))

	// no temporary files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRedisStorePrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "replay:")
	require.NoError(t, s.Put(ctx, CacheEntry{Key: "b-1", Fixture: newFixture("x")}))
	assert.True(t, mr.Exists("replay:b-1"))
}

func TestSQLiteMemoryStoresAreSeparate(t *testing.T) {
	ctx := context.Background()
	first, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })
	second, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	require.NoError(t, first.Put(ctx, CacheEntry{Key: "b-1", Fixture: newFixture("first")}))

	_, found, err := second.Get(ctx, "b-1")
	require.NoError(t, err)
	assert.False(t, found)

	got, found, err := first.Get(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", got.Body)
}
