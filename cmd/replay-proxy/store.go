package main

import (
	"io"

	"github.com/always-cache/replay/cache"

	"github.com/redis/go-redis/v9"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore creates the configured fixture store.
// The returned closer releases the backend connection.
func openStore(config StoreConfig) (cache.Store, io.Closer, error) {
	switch config.Type {
	case "sqlite":
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		store, err := cache.NewSQLiteStore(dbFilename)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "redis":
		opts, err := redis.ParseURL(config.Redis)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return cache.NewRedisStore(client, config.RedisPrefix), client, nil
	case "dir":
		return cache.NewDirStore(config.Dir), nopCloser{}, nil
	}
	store, err := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	if err != nil {
		return nil, nil, err
	}
	return store, nopCloser{}, nil
}
