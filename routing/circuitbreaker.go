// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package routing holds the advanced-routing building blocks: per-engine
// circuit breakers, the capacity-aware load balancer, the A/B test
// manager, and the pipeline composing them.
package routing

import (
	"log"
	"os"
	"sync"
	"time"

	"routegate/metrics"
)

// BreakerState is the health state of one engine's circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig holds the failure-isolation thresholds.
type BreakerConfig struct {
	// FailureThreshold flips closed -> open.
	FailureThreshold int

	// SuccessThreshold flips half_open -> closed.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig matches the documented defaults: 5 failures to
// open, 2 successes to close, 60s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

// CircuitBreaker is the failure-isolation state machine for one engine.
// State is process-local: across a multi-instance deployment each
// instance keeps its own approximate view (see DESIGN.md).
//
// Transitions happen only through CanAttempt, RecordSuccess, and
// RecordFailure.
type CircuitBreaker struct {
	engineID string
	cfg      BreakerConfig

	state           BreakerState
	failureCount    int
	successCount    int
	lastFailure     time.Time
	lastStateChange time.Time

	mu  sync.Mutex
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the engine.
func NewCircuitBreaker(engineID string, cfg BreakerConfig) *CircuitBreaker {
	now := time.Now
	return &CircuitBreaker{
		engineID:        engineID,
		cfg:             cfg.withDefaults(),
		state:           BreakerClosed,
		lastStateChange: now(),
		now:             now,
	}
}

// CanAttempt is the single admission check; it must run before every
// execution attempt. It is side-effecting: an expired open breaker
// transitions to half_open here, and the probing attempt is permitted.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.cfg.OpenTimeout {
			cb.transition(BreakerHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess feeds a successful execution outcome into the breaker.
// While closed, a success decays failureCount toward zero rather than
// resetting it, modeling transient errors fading out.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure feeds a failed execution outcome into the breaker. A
// single failure while half_open reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker's observable state for the ops surface.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		EngineID:        cb.engineID,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	EngineID        string       `json:"engine_id"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailure     time.Time    `json:"last_failure,omitempty"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// transition moves the breaker to a new state and resets the counters
// belonging to the old one. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
	metrics.BreakerTransitions.WithLabelValues(cb.engineID, string(from), string(to)).Inc()
}

// BreakerSet manages per-engine breakers, creating them lazily on first
// reference. Breakers are never destroyed.
type BreakerSet struct {
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
	logger   *log.Logger
	mu       sync.Mutex
}

// NewBreakerSet creates a BreakerSet with the given per-engine config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg.withDefaults(),
		logger:   log.New(os.Stdout, "[BREAKER] ", log.LstdFlags),
	}
}

// Get returns the breaker for the engine, creating it if needed.
func (s *BreakerSet) Get(engineID string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[engineID]
	if !ok {
		cb = NewCircuitBreaker(engineID, s.cfg)
		s.breakers[engineID] = cb
	}
	return cb
}

// Snapshots returns the observable state of every breaker.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(s.breakers))
	for _, cb := range s.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
