// Store abstraction and the redis-backed implementation.
package cache

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the minimal byte store the cache client runs against. It must be
// byte-for-byte transparent: Get returns exactly the value previously passed
// to Set. Production uses redis; tests use an in-memory fake.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	// Backend failures return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL as a whole-value replacement.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes keys (best-effort).
	Del(ctx context.Context, keys ...string) error

	// Ping verifies backend reachability.
	Ping(ctx context.Context) error

	// Keys returns all keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// FlushAll removes every entry.
	FlushAll(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// redisStore implements Store on go-redis.
type redisStore struct {
	client *redis.Client
}

// newRedisStore builds a redis-backed store from endpoint and credentials.
func newRedisStore(addr, username, password string) *redisStore {
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: username,
			Password: password,
		}),
	}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *redisStore) FlushAll(ctx context.Context) error {
	return s.client.FlushDB(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
