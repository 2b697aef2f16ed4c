package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed entry store.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore keeps cache entries in Redis so they survive process
// restarts. Recency ordering is kept in a sorted set scored by the
// last-accessed timestamp; expiry stays with the Coordinator, so entries
// carry no Redis TTL of their own.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed entry store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "deploytrail"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Ping reports reachability of the Redis backend.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Get returns the entry for key, if present.
func (s *RedisStore) Get(key string) (Entry, bool, error) {
	if s == nil || s.client == nil {
		return Entry{}, false, fmt.Errorf("redis store is not initialized")
	}

	raw, err := s.client.Get(context.Background(), s.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

// Set stores the entry under key and updates its recency score.
func (s *RedisStore) Set(key string, entry Entry) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	ctx := context.Background()
	if err := s.client.Set(ctx, s.entryKey(key), payload, 0).Err(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	member := redis.Z{
		Score:  float64(entry.LastAccessed.UnixMilli()),
		Member: key,
	}
	if err := s.client.ZAdd(ctx, s.recencyKey(), member).Err(); err != nil {
		return fmt.Errorf("update cache recency: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *RedisStore) Delete(key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}

	ctx := context.Background()
	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	if err := s.client.ZRem(ctx, s.recencyKey(), key).Err(); err != nil {
		return fmt.Errorf("trim cache recency: %w", err)
	}
	return nil
}

// Len reports the number of stored entries.
func (s *RedisStore) Len() (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("redis store is not initialized")
	}
	count, err := s.client.ZCard(context.Background(), s.recencyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return int(count), nil
}

// KeysByRecency returns keys ordered oldest-accessed first.
func (s *RedisStore) KeysByRecency() ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis store is not initialized")
	}
	keys, err := s.client.ZRange(context.Background(), s.recencyKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) entryKey(key string) string {
	return s.namespace + ":entry:" + key
}

func (s *RedisStore) recencyKey() string {
	return s.namespace + ":recency"
}
