// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package budget enforces per-request wall-clock budgets with real
// cancellation. Each in-flight request owns exactly one budget record; a
// background monitor polls for breaches and cancels every task
// registered against the request. Cancellation is idempotent.
package budget

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"routegate/metrics"
)

// Config holds the budget policy.
type Config struct {
	// TTFT is the time-to-first-token deadline.
	TTFT time.Duration

	// Total is the whole-request deadline.
	Total time.Duration

	// PollInterval is how often the monitor scans for breaches.
	PollInterval time.Duration
}

const (
	defaultTTFT         = 10 * time.Second
	defaultTotal        = 60 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.TTFT == 0 {
		c.TTFT = defaultTTFT
	}
	if c.Total == 0 {
		c.Total = defaultTotal
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// requestBudget tracks one in-flight request's time budget.
type requestBudget struct {
	id            string
	start         time.Time
	ttftDeadline  time.Time
	totalDeadline time.Time
	ttftPassed    bool
	cancelled     bool
	cancels       []context.CancelFunc
}

// Enforcer owns the authoritative per-request deadlines.
type Enforcer struct {
	cfg    Config
	active map[string]*requestBudget
	mu     sync.Mutex
	logger *log.Logger

	cancelMonitor context.CancelFunc

	now func() time.Time
}

// NewEnforcer creates an Enforcer with the given policy. Call Start to
// launch the breach monitor.
func NewEnforcer(cfg Config) *Enforcer {
	return &Enforcer{
		cfg:    cfg.withDefaults(),
		active: make(map[string]*requestBudget),
		logger: log.New(os.Stdout, "[BUDGET] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Start launches the background monitor loop.
func (e *Enforcer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelMonitor = cancel

	go func() {
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// Stop halts the monitor loop.
func (e *Enforcer) Stop() {
	if e.cancelMonitor != nil {
		e.cancelMonitor()
	}
}

// Begin registers a budget for a new request and returns its id. An
// empty requestID gets a generated one.
func (e *Enforcer) Begin(requestID string) string {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active[requestID] = &requestBudget{
		id:            requestID,
		start:         now,
		ttftDeadline:  now.Add(e.cfg.TTFT),
		totalDeadline: now.Add(e.cfg.Total),
	}
	return requestID
}

// Register attaches a cancellable task to the request. If the budget is
// already cancelled the task is cancelled immediately.
func (e *Enforcer) Register(requestID string, cancel context.CancelFunc) {
	e.mu.Lock()
	b, ok := e.active[requestID]
	if ok && !b.cancelled {
		b.cancels = append(b.cancels, cancel)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	// Unknown or already-cancelled request: the task must not outlive it.
	cancel()
}

// MarkTTFT records that the first token arrived.
func (e *Enforcer) MarkTTFT(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.active[requestID]; ok {
		b.ttftPassed = true
	}
}

// CheckTTFT reports whether the TTFT deadline has been breached. A
// breach cancels the request's tasks (once).
func (e *Enforcer) CheckTTFT(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.active[requestID]
	if !ok {
		return false
	}
	if b.ttftPassed || e.now().Before(b.ttftDeadline) {
		metrics.BudgetVerdicts.WithLabelValues("ttft", "ok").Inc()
		return false
	}

	e.cancelLocked(b, "ttft")
	return true
}

// CheckTotal reports whether the total deadline has been breached.
// Repeated calls after a breach keep returning true; the underlying
// cancellation runs exactly once.
func (e *Enforcer) CheckTotal(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.active[requestID]
	if !ok {
		return false
	}
	if e.now().Before(b.totalDeadline) {
		metrics.BudgetVerdicts.WithLabelValues("total", "ok").Inc()
		return false
	}

	e.cancelLocked(b, "total")
	return true
}

// Cancel cancels the request's tasks. Safe to call repeatedly.
func (e *Enforcer) Cancel(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.active[requestID]; ok {
		e.cancelLocked(b, "explicit")
	}
}

// Cancelled reports whether the request's budget has been cancelled.
func (e *Enforcer) Cancelled(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.active[requestID]; ok {
		return b.cancelled
	}
	return false
}

// End removes the request's budget record. Ending an already-ended
// request is a no-op.
func (e *Enforcer) End(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, requestID)
}

// Active returns the number of in-flight budgets.
func (e *Enforcer) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// cancelLocked marks the budget cancelled and fires every registered
// cancel exactly once. Callers hold e.mu.
func (e *Enforcer) cancelLocked(b *requestBudget, reason string) {
	if b.cancelled {
		return
	}
	b.cancelled = true

	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil

	metrics.BudgetVerdicts.WithLabelValues(reason, "exceeded").Inc()
	e.logger.Printf("budget exceeded (%s) for request %s after %v", reason, b.id, e.now().Sub(b.start))
}

// sweep cancels every budget past its deadline.
func (e *Enforcer) sweep() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.active {
		if b.cancelled {
			continue
		}
		if !now.Before(b.totalDeadline) {
			e.cancelLocked(b, "total")
			continue
		}
		if !b.ttftPassed && !now.Before(b.ttftDeadline) {
			e.cancelLocked(b, "ttft")
		}
	}
}
