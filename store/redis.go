// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// bucketKeyTTL bounds how long idle bucket state lives in the store.
const bucketKeyTTL = 3600 * time.Second

// tokenBucketScript computes refill-then-consume in a single atomic step.
// KEYS[1] = tokens key, KEYS[2] = last-refill key.
// ARGV[1] = refill rate (tokens/sec), ARGV[2] = burst, ARGV[3] = now (ms),
// ARGV[4] = key TTL in seconds.
// Returns {allowed (0/1), remaining tokens as string}.
var tokenBucketScript = redis.NewScript(`
local tokens = tonumber(redis.call('GET', KEYS[1]))
local last = tonumber(redis.call('GET', KEYS[2]))
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if tokens == nil then tokens = burst end
if last == nil then last = now end

local elapsed = (now - last) / 1000.0
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate
if tokens > burst then tokens = burst end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('SET', KEYS[1], tostring(tokens))
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('SET', KEYS[2], tostring(now))
redis.call('EXPIRE', KEYS[2], ttl)

return {allowed, tostring(tokens)}
`)

// RedisStore implements Store against a Redis-compatible backend.
type RedisStore struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisStore connects to the store at the given URL
// (e.g. "redis://localhost:6379/0") and verifies connectivity.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &StoreError{Code: ErrStoreUnavailable, Op: "connect", Message: "failed to parse redis URL", Cause: err}
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 100
	opts.MinIdleConns = 10

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &StoreError{Code: ErrStoreUnavailable, Op: "connect", Message: "failed to ping store", Cause: err}
	}

	s := &RedisStore{
		client: client,
		logger: log.New(os.Stdout, "[STORE] ", log.LstdFlags),
	}
	s.logger.Printf("Connected to admission-control store (pool_size=%d)", opts.PoolSize)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		logger: log.New(os.Stdout, "[STORE] ", log.LstdFlags),
	}
}

// TokenBucket runs the atomic refill-then-consume script.
func (s *RedisStore) TokenBucket(ctx context.Context, keyPrefix string, rate float64, burst int, now time.Time) (*BucketDecision, error) {
	keys := []string{keyPrefix + ":tokens", keyPrefix + ":last"}
	args := []interface{}{
		strconv.FormatFloat(rate, 'f', -1, 64),
		burst,
		now.UnixMilli(),
		int(bucketKeyTTL.Seconds()),
	}

	res, err := tokenBucketScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, &StoreError{Code: ErrStoreUnavailable, Op: "token_bucket", Message: "script execution failed", Cause: err}
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, &StoreError{Code: ErrStoreScript, Op: "token_bucket", Message: fmt.Sprintf("unexpected script reply %v", res)}
	}

	allowed, _ := reply[0].(int64)
	remaining := 0.0
	if str, ok := reply[1].(string); ok {
		remaining, _ = strconv.ParseFloat(str, 64)
	}

	return &BucketDecision{Allowed: allowed == 1, Remaining: remaining}, nil
}

// SlidingWindow counts requests inside the window, admitting the new one
// only when the count is below limit. The sorted set is trimmed to the
// window on every check and expires with it.
func (s *RedisStore) SlidingWindow(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (bool, int64, error) {
	minScore := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", minScore)
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, &StoreError{Code: ErrStoreUnavailable, Op: "sliding_window", Message: "trim/count failed", Cause: err}
	}

	count := countCmd.Val()
	if count >= int64(limit) {
		return false, count, nil
	}

	add := s.client.Pipeline()
	add.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	})
	add.Expire(ctx, key, window)
	if _, err := add.Exec(ctx); err != nil {
		return false, count, &StoreError{Code: ErrStoreUnavailable, Op: "sliding_window", Message: "record failed", Cause: err}
	}

	return true, count + 1, nil
}

// GetJSON unmarshals the value at key into v.
func (s *RedisStore) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, &StoreError{Code: ErrStoreUnavailable, Op: "get", Message: key, Cause: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &StoreError{Code: ErrStoreEncoding, Op: "get", Message: key, Cause: err}
	}
	return true, nil
}

// SetJSON stores v at key with the given TTL.
func (s *RedisStore) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &StoreError{Code: ErrStoreEncoding, Op: "set", Message: key, Cause: err}
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return &StoreError{Code: ErrStoreUnavailable, Op: "set", Message: key, Cause: err}
	}
	return nil
}

// HSetJSON stores v under field in the hash at key.
func (s *RedisStore) HSetJSON(ctx context.Context, key, field string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &StoreError{Code: ErrStoreEncoding, Op: "hset", Message: key, Cause: err}
	}
	if err := s.client.HSet(ctx, key, field, data).Err(); err != nil {
		return &StoreError{Code: ErrStoreUnavailable, Op: "hset", Message: key, Cause: err}
	}
	return nil
}

// HGetAllJSON returns every field of the hash at key.
func (s *RedisStore) HGetAllJSON(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &StoreError{Code: ErrStoreUnavailable, Op: "hgetall", Message: key, Cause: err}
	}
	out := make(map[string]json.RawMessage, len(vals))
	for field, raw := range vals {
		out[field] = json.RawMessage(raw)
	}
	return out, nil
}

// Ping verifies store connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &StoreError{Code: ErrStoreUnavailable, Op: "ping", Message: "store unreachable", Cause: err}
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
