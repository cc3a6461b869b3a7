package cache

import (
	"context"
	"errors"
	"strings"

	serializer "github.com/always-cache/replay/pkg/response-serializer"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

// RedisStore keeps msgpack encoded fixtures in Redis, without expiry.
// The caller owns the client lifecycle.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on the given client.
// All keys are stored with the given prefix, which may be empty.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Fixture, bool, error) {
	bytes, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
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

func (s *RedisStore) Put(ctx context.Context, entry CacheEntry) error {
	bytes, err := serializer.FixtureToBytes(entry.Fixture)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+entry.Key, bytes, 0).Err()
}

func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	iter := s.client.Scan(ctx, 0, escapeGlob(s.prefix+prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		cb(strings.TrimPrefix(iter.Val(), s.prefix))
	}
	return iter.Err()
}

func (s *RedisStore) Purge(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

var globReplacer = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// escapeGlob quotes the characters that have a meaning in a SCAN MATCH pattern.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
