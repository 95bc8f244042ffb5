// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client)
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not-a-url")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestTokenBucketConsumesAndRefills(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Burst of 3: three consecutive requests pass, the fourth is denied.
	for i := 0; i < 3; i++ {
		dec, err := s.TokenBucket(ctx, "ratelimit:user:alice", 1, 3, now)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "request %d should be allowed", i)
	}
	dec, err := s.TokenBucket(ctx, "ratelimit:user:alice", 1, 3, now)
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "bucket should be empty")

	// Two seconds later two tokens have refilled.
	later := now.Add(2 * time.Second)
	dec, err = s.TokenBucket(ctx, "ratelimit:user:alice", 1, 3, later)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.InDelta(t, 1.0, dec.Remaining, 0.01)
}

func TestTokenBucketCapsAtBurst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.TokenBucket(ctx, "ratelimit:user:bob", 10, 5, now)
	require.NoError(t, err)

	// A long idle period must not accumulate beyond the burst.
	dec, err := s.TokenBucket(ctx, "ratelimit:user:bob", 10, 5, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.InDelta(t, 4.0, dec.Remaining, 0.01)
}

func TestTokenBucketIsolatesKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	dec, err := s.TokenBucket(ctx, "ratelimit:user:carol", 1, 1, now)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = s.TokenBucket(ctx, "ratelimit:user:carol", 1, 1, now)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	// A different key has its own bucket.
	dec, err = s.TokenBucket(ctx, "ratelimit:user:dave", 1, 1, now)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestSlidingWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		allowed, _, err := s.SlidingWindow(ctx, "win:k", time.Minute, 3, now)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should fit the window", i)
	}

	allowed, count, err := s.SlidingWindow(ctx, "win:k", time.Minute, 3, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(3), count)

	// Past the window the old entries are trimmed away.
	allowed, _, err = s.SlidingWindow(ctx, "win:k", time.Minute, 3, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type record struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}

	require.NoError(t, s.SetJSON(ctx, "rec:1", record{Name: "x", Score: 1.5}, time.Minute))

	var got record
	found, err := s.GetJSON(ctx, "rec:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, record{Name: "x", Score: 1.5}, got)

	found, err = s.GetJSON(ctx, "rec:missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHashJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSetJSON(ctx, "h", "a", map[string]int{"v": 1}))
	require.NoError(t, s.HSetJSON(ctx, "h", "b", map[string]int{"v": 2}))

	fields, err := s.HGetAllJSON(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, fields, 2)
	assert.JSONEq(t, `{"v":1}`, string(fields["a"]))
}

func TestStoreErrorCodes(t *testing.T) {
	err := &StoreError{Code: ErrStoreUnavailable, Op: "get", Message: "k"}
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "get")

	enc := &StoreError{Code: ErrStoreEncoding, Op: "set", Message: "k"}
	assert.False(t, IsUnavailable(enc))
}
