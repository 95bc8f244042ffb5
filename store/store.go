// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package store is the access layer for the shared admission-control
// store (Redis-compatible key/value with atomic scripting).
//
// Store failures are surfaced as typed errors, never swallowed; each
// calling subsystem declares its own fail-open or fail-closed policy as a
// visible constant (see ratelimit.FailOpen, policy.FailOpen).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error codes for store operations.
const (
	ErrStoreUnavailable = "STORE_UNAVAILABLE"
	ErrStoreScript      = "STORE_SCRIPT"
	ErrStoreEncoding    = "STORE_ENCODING"
)

// StoreError carries a code alongside the underlying cause so call sites
// can distinguish unreachable-store from programmer errors.
type StoreError struct {
	Code    string
	Op      string
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store %s [%s]: %s: %v", e.Op, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("store %s [%s]: %s", e.Op, e.Code, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// IsUnavailable reports whether err indicates the store could not be
// reached. Callers use this to trigger their degraded fallback.
func IsUnavailable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrStoreUnavailable
	}
	return false
}

// BucketDecision is the outcome of one atomic token-bucket check.
type BucketDecision struct {
	Allowed   bool
	Remaining float64
}

// Store is the interface the routing subsystems use to reach the shared
// admission-control store. All mutating operations are atomic at the
// store level.
type Store interface {
	// TokenBucket runs the atomic refill-then-consume script against
	// the bucket at keyPrefix (keys "<prefix>:tokens" and "<prefix>:last").
	TokenBucket(ctx context.Context, keyPrefix string, rate float64, burst int, now time.Time) (*BucketDecision, error)

	// SlidingWindow trims the sorted set at key to the window, then
	// admits and records the request iff the count is below limit.
	SlidingWindow(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (allowed bool, count int64, err error)

	// GetJSON unmarshals the value at key into v. Returns found=false
	// (and no error) when the key does not exist.
	GetJSON(ctx context.Context, key string, v interface{}) (bool, error)

	// SetJSON stores v at key with the given TTL (0 = no expiry).
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error

	// HSetJSON stores v under field in the hash at key.
	HSetJSON(ctx context.Context, key, field string, v interface{}) error

	// HGetAllJSON returns every field of the hash at key as raw JSON.
	HGetAllJSON(ctx context.Context, key string) (map[string]json.RawMessage, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
