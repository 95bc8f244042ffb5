// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements per-scope admission control: a token
// bucket backed by an atomic store script, with a sliding-window variant
// for per-identifier limits.
//
// When the shared store is unreachable the limiter fails open: the check
// falls back to an in-process approximation and the request is judged
// against local state. This is a deliberate availability-over-strict-
// fairness tradeoff; every degraded decision increments a store-error
// counter.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"routegate/metrics"
	"routegate/store"
)

// FailOpen declares this subsystem's policy when the shared store is
// unreachable: admit the request against local approximate state.
const FailOpen = true

// ScopeKind identifies what a rate limit applies to.
type ScopeKind string

const (
	ScopeUser   ScopeKind = "user"
	ScopeClass  ScopeKind = "class"
	ScopeIP     ScopeKind = "ip"
	ScopeGlobal ScopeKind = "global"
)

// Config is the static admission policy for one scope. A scope uses
// either the token bucket (RPS/Burst) or the sliding window
// (Window/WindowLimit); when both are set the window wins, since it is
// the stricter accounting.
type Config struct {
	// RPS is the sustained refill rate in requests per second.
	RPS float64

	// Burst is the bucket capacity.
	Burst int

	// Window is the sliding-window length.
	Window time.Duration

	// WindowLimit is the maximum requests admitted per Window.
	WindowLimit int
}

func (c Config) usesWindow() bool { return c.Window > 0 && c.WindowLimit > 0 }

// Result is the decision for a single check. It is computed per call and
// never persisted.
type Result struct {
	Allowed   bool
	Remaining float64
	ResetAt   time.Time

	// Degraded is true when the decision came from the local fallback
	// rather than the shared store.
	Degraded bool
}

// Limiter applies per-scope admission control.
type Limiter struct {
	store   store.Store // nil = local-only operation
	configs map[ScopeKind]Config
	local   *localLimiter
	logger  *log.Logger

	now func() time.Time
}

// New creates a Limiter. A nil store means every decision is made against
// in-process state (single-instance deployments and tests).
func New(st store.Store, configs map[ScopeKind]Config) *Limiter {
	if configs == nil {
		configs = make(map[ScopeKind]Config)
	}
	return &Limiter{
		store:   st,
		configs: configs,
		local:   newLocalLimiter(),
		logger:  log.New(os.Stdout, "[RATELIMIT] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Check runs the admission check for one scope/key pair, using
// whichever variant the scope's config selects. Scopes without a
// configured limit are always admitted.
func (l *Limiter) Check(ctx context.Context, scope ScopeKind, key string) Result {
	cfg, ok := l.configs[scope]
	if !ok {
		return Result{Allowed: true, Remaining: math.Inf(1)}
	}
	if cfg.usesWindow() {
		return l.CheckWindow(ctx, scope, key, cfg.Window, cfg.WindowLimit)
	}
	if cfg.RPS <= 0 || cfg.Burst <= 0 {
		return Result{Allowed: true, Remaining: math.Inf(1)}
	}

	now := l.now()
	storeKey := fmt.Sprintf("ratelimit:%s:%s", scope, key)

	if l.store != nil {
		decision, err := l.store.TokenBucket(ctx, storeKey, cfg.RPS, cfg.Burst, now)
		if err == nil {
			res := Result{
				Allowed:   decision.Allowed,
				Remaining: decision.Remaining,
				ResetAt:   l.resetAt(now, decision.Remaining, cfg.RPS),
			}
			l.countVerdict(scope, res.Allowed)
			return res
		}

		metrics.StoreErrors.WithLabelValues("ratelimit").Inc()
		l.logger.Printf("store check failed for %s, using local fallback: %v", storeKey, err)
	}

	allowed, remaining := l.local.tokenBucket(storeKey, cfg.RPS, cfg.Burst, now)
	res := Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   l.resetAt(now, remaining, cfg.RPS),
		Degraded:  l.store != nil,
	}
	l.countVerdict(scope, res.Allowed)
	return res
}

// CheckWindow runs the sliding-window variant: at most limit requests per
// window for the given identifier.
func (l *Limiter) CheckWindow(ctx context.Context, scope ScopeKind, key string, window time.Duration, limit int) Result {
	if limit <= 0 || window <= 0 {
		return Result{Allowed: true, Remaining: math.Inf(1)}
	}

	now := l.now()
	storeKey := fmt.Sprintf("ratelimit:window:%s:%s", scope, key)

	if l.store != nil {
		allowed, count, err := l.store.SlidingWindow(ctx, storeKey, window, limit, now)
		if err == nil {
			res := Result{
				Allowed:   allowed,
				Remaining: float64(int64(limit) - count),
				ResetAt:   now.Add(window),
			}
			l.countVerdict(scope, res.Allowed)
			return res
		}

		metrics.StoreErrors.WithLabelValues("ratelimit").Inc()
		l.logger.Printf("store window check failed for %s, using local fallback: %v", storeKey, err)
	}

	allowed, count := l.local.slidingWindow(storeKey, window, limit, now)
	res := Result{
		Allowed:   allowed,
		Remaining: float64(int64(limit) - count),
		ResetAt:   now.Add(window),
		Degraded:  l.store != nil,
	}
	l.countVerdict(scope, res.Allowed)
	return res
}

// resetAt estimates when the next token becomes available.
func (l *Limiter) resetAt(now time.Time, remaining, rate float64) time.Time {
	if remaining >= 1 {
		return now
	}
	deficit := 1 - remaining
	return now.Add(time.Duration(deficit / rate * float64(time.Second)))
}

func (l *Limiter) countVerdict(scope ScopeKind, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	metrics.RateLimitVerdicts.WithLabelValues(string(scope), outcome).Inc()
}
