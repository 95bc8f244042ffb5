// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket is the in-process token bucket used when the shared store
// is unreachable. Token counts always stay within [0, maxTokens].
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(rate, burst float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     burst,
		maxTokens:  burst,
		refillRate: rate,
		lastRefill: now,
	}
}

// tryAcquire refills from elapsed time, then attempts to consume one
// token. Not safe for concurrent use; callers hold the limiter lock.
func (b *tokenBucket) tryAcquire(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
	}
	b.lastRefill = now
}

// localLimiter approximates the shared store in-process. It is only
// consulted when the store is unreachable (or not configured), so its
// view is per-instance, not global.
type localLimiter struct {
	buckets map[string]*tokenBucket
	windows map[string][]time.Time
	mu      sync.Mutex
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{
		buckets: make(map[string]*tokenBucket),
		windows: make(map[string][]time.Time),
	}
}

func (l *localLimiter) tokenBucket(key string, rate float64, burst int, now time.Time) (bool, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, exists := l.buckets[key]
	if !exists {
		bucket = newTokenBucket(rate, float64(burst), now)
		l.buckets[key] = bucket
	}

	allowed := bucket.tryAcquire(now)
	return allowed, bucket.tokens
}

func (l *localLimiter) slidingWindow(key string, window time.Duration, limit int, now time.Time) (bool, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	kept := l.windows[key][:0]
	for _, ts := range l.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		l.windows[key] = kept
		return false, int64(len(kept))
	}

	l.windows[key] = append(kept, now)
	return true, int64(len(kept) + 1)
}
