// Package kvstore defines the narrow TTL-scoped key/value interface the
// rate limiter and response cache consume, plus a Redis-backed
// implementation. Outside this package, redis is only used to construct
// the client handed to NewRedisStore.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned for any underlying store failure — timeout,
// connection refused, or otherwise. Callers never branch on *why* the
// store failed; they fail open (limiter) or miss (cache) uniformly.
var ErrUnavailable = errors.New("kvstore: unavailable")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// KVStore is the narrow interface the rate limiter and response cache
// depend on. A production deployment backs this with Redis; tests back it
// with miniredis through the same Redis implementation, or a fake.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// Incr atomically increments key by 1 and returns the post-increment
	// value. The TTL is applied only the first time a window's key is
	// created (when the pre-increment value was 0), never refreshed on
	// subsequent increments within the same window.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key. A key with no expiry
	// reports 0; a missing key reports ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// incrScript atomically increments and, on first creation, sets an expiry.
// Matches the Lua idiom this codebase already used for its rate limiter:
// a single round trip, no separate EXPIRE call racing the INCR.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// RedisStore is the KVStore backed by go-redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", ErrUnavailable
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, ErrUnavailable
	}
	return count, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, ErrUnavailable
	}
	// PTTL reports -2 for a missing key and -1 for a key with no expiry.
	// go-redis hands these sentinels back unscaled (-2ns, -1ns), so the
	// raw value is checked alongside the millisecond-scaled one.
	if d == -2 || d == -2*time.Millisecond {
		return 0, ErrNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
