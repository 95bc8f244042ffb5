// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"routegate/metrics"
)

// Hedging defaults. Hedging trades extra backend load for tail latency,
// so every threshold errs toward not hedging.
const (
	// DefaultHedgeLatencyThreshold: hedge when the primary's p95 exceeds
	// this.
	DefaultHedgeLatencyThreshold = 200 * time.Millisecond

	// DefaultHedgeFailureRateThreshold: hedge when the primary's recent
	// failure rate exceeds this.
	DefaultHedgeFailureRateThreshold = 0.05

	// DefaultHedgeDelayCap bounds how long the executor waits for the
	// primary before launching backups.
	DefaultHedgeDelayCap = 150 * time.Millisecond

	// DefaultCancelGrace is how long loser attempts get to observe their
	// cancelled context before the executor stops waiting for them.
	DefaultCancelGrace = 100 * time.Millisecond

	// DefaultMaxParallel is the total attempt fan-out (primary included).
	DefaultMaxParallel = 2

	// hedgeSampleWindow is how many recent latency samples feed the p95
	// estimate, per engine.
	hedgeSampleWindow = 100
)

// HedgeConfig tunes the hedging executor.
type HedgeConfig struct {
	LatencyThreshold     time.Duration
	FailureRateThreshold float64
	HedgeDelayCap        time.Duration
	CancelGrace          time.Duration
	MaxParallel          int
}

func (c HedgeConfig) withDefaults() HedgeConfig {
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = DefaultHedgeLatencyThreshold
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = DefaultHedgeFailureRateThreshold
	}
	if c.HedgeDelayCap <= 0 {
		c.HedgeDelayCap = DefaultHedgeDelayCap
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	return c
}

// engineWindow is one engine's recent latency/outcome history.
type engineWindow struct {
	samplesMs []float64 // ring buffer, capacity hedgeSampleWindow
	next      int
	filled    bool
	attempts  int64
	failures  int64
}

// AdaptiveHedgePolicy decides per engine whether hedging is worth the
// extra load, from a sliding window of observed latencies and outcomes.
// Every attempt's outcome feeds it, winners and abandoned losers alike.
type AdaptiveHedgePolicy struct {
	engines map[string]*engineWindow
	mu      sync.Mutex
}

// NewAdaptiveHedgePolicy creates an empty policy.
func NewAdaptiveHedgePolicy() *AdaptiveHedgePolicy {
	return &AdaptiveHedgePolicy{engines: make(map[string]*engineWindow)}
}

// Observe records one attempt outcome for the engine.
func (p *AdaptiveHedgePolicy) Observe(engineID string, latency time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.engines[engineID]
	if !ok {
		w = &engineWindow{samplesMs: make([]float64, hedgeSampleWindow)}
		p.engines[engineID] = w
	}

	w.samplesMs[w.next] = float64(latency.Milliseconds())
	w.next = (w.next + 1) % hedgeSampleWindow
	if w.next == 0 {
		w.filled = true
	}
	w.attempts++
	if !success {
		w.failures++
	}
}

// P95 returns the engine's p95 latency over the sample window. ok is
// false when no samples exist yet.
func (p *AdaptiveHedgePolicy) P95(engineID string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.engines[engineID]
	if !ok || (w.next == 0 && !w.filled) {
		return 0, false
	}

	n := w.next
	if w.filled {
		n = hedgeSampleWindow
	}
	sorted := make([]float64, n)
	copy(sorted, w.samplesMs[:n])
	sort.Float64s(sorted)

	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return time.Duration(sorted[idx] * float64(time.Millisecond)), true
}

// FailureRate returns the engine's lifetime failure rate; zero when the
// engine has never been attempted.
func (p *AdaptiveHedgePolicy) FailureRate(engineID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.engines[engineID]
	if !ok || w.attempts == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.attempts)
}

// AttemptFunc runs one execution attempt against an engine. It must
// honor context cancellation and must always return a result.
type AttemptFunc func(ctx context.Context, engineID string) *ExecutionResult

// HedgedResult is the outcome of a hedged (or would-be hedged)
// execution.
type HedgedResult struct {
	// Result is the winning attempt's result.
	Result *ExecutionResult

	// WinnerEngine is the engine whose attempt won the race.
	WinnerEngine string

	// HedgedCount is how many backup attempts were launched.
	HedgedCount int

	// CancelledEngines lists the losing attempts that were cancelled.
	CancelledEngines []string

	// Latencies holds the observed latency of every attempt that
	// completed before the executor stopped waiting.
	Latencies map[string]time.Duration
}

// HedgingExecutor races a primary attempt against delayed backups when
// the adaptive policy says the primary is slow or flaky. Exactly one
// result wins; losers are cancelled and given a short grace period to
// unwind.
type HedgingExecutor struct {
	cfg    HedgeConfig
	policy *AdaptiveHedgePolicy
	logger *log.Logger
}

// NewHedgingExecutor creates an executor over the shared policy.
func NewHedgingExecutor(cfg HedgeConfig, policy *AdaptiveHedgePolicy) *HedgingExecutor {
	if policy == nil {
		policy = NewAdaptiveHedgePolicy()
	}
	return &HedgingExecutor{
		cfg:    cfg.withDefaults(),
		policy: policy,
		logger: log.New(os.Stdout, "[HEDGE] ", log.LstdFlags),
	}
}

// Policy exposes the underlying adaptive policy so attempt outcomes can
// be fed in from outside the hedged path.
func (h *HedgingExecutor) Policy() *AdaptiveHedgePolicy { return h.policy }

// ShouldHedge reports whether the engine currently warrants hedging:
// p95 latency over the threshold, or failure rate over the threshold.
// Engines with no history never hedge.
func (h *HedgingExecutor) ShouldHedge(engineID string) bool {
	if p95, ok := h.policy.P95(engineID); ok && p95 > h.cfg.LatencyThreshold {
		return true
	}
	return h.policy.FailureRate(engineID) > h.cfg.FailureRateThreshold
}

// HedgeDelay is how long to wait for the primary before launching
// backups: half the primary's p95, capped. With no history the cap
// applies directly.
func (h *HedgingExecutor) HedgeDelay(engineID string) time.Duration {
	p95, ok := h.policy.P95(engineID)
	if !ok {
		return h.cfg.HedgeDelayCap
	}
	delay := p95 / 2
	if delay > h.cfg.HedgeDelayCap {
		delay = h.cfg.HedgeDelayCap
	}
	return delay
}

type hedgeAttempt struct {
	engineID string
	cancel   context.CancelFunc
}

type hedgeOutcome struct {
	engineID string
	result   *ExecutionResult
	latency  time.Duration
}

// Execute races the primary against the backups. The primary launches
// immediately; backups launch only if the primary has not finished
// within the hedge delay. The first completed attempt wins, the rest
// are cancelled.
//
// run is invoked once per attempt with a per-attempt child context; it
// is expected to record its own outcome into the adaptive policy.
func (h *HedgingExecutor) Execute(ctx context.Context, primary string, backups []string, run AttemptFunc) *HedgedResult {
	// Buffered so abandoned attempts can deliver and exit after the
	// executor stops listening.
	outcomes := make(chan hedgeOutcome, 1+len(backups))

	launch := func(engineID string) hedgeAttempt {
		attemptCtx, cancel := context.WithCancel(ctx)
		go func() {
			start := time.Now()
			res := run(attemptCtx, engineID)
			outcomes <- hedgeOutcome{engineID: engineID, result: res, latency: time.Since(start)}
		}()
		return hedgeAttempt{engineID: engineID, cancel: cancel}
	}

	hr := &HedgedResult{Latencies: make(map[string]time.Duration)}
	attempts := []hedgeAttempt{launch(primary)}

	delay := time.NewTimer(h.HedgeDelay(primary))
	defer delay.Stop()

	select {
	case out := <-outcomes:
		// Primary beat the hedge delay; no backups launched.
		attempts[0].cancel()
		hr.Result = out.result
		hr.WinnerEngine = out.engineID
		hr.Latencies[out.engineID] = out.latency
		metrics.HedgedRequests.WithLabelValues("primary_fast").Inc()
		return hr
	case <-delay.C:
	case <-ctx.Done():
		return h.abandon(hr, attempts, outcomes)
	}

	fanOut := h.cfg.MaxParallel - 1
	if fanOut > len(backups) {
		fanOut = len(backups)
	}
	for _, id := range backups[:fanOut] {
		attempts = append(attempts, launch(id))
	}
	hr.HedgedCount = fanOut
	h.logger.Printf("hedging %s with %d backup(s)", primary, fanOut)

	var winner hedgeOutcome
	select {
	case winner = <-outcomes:
	case <-ctx.Done():
		return h.abandon(hr, attempts, outcomes)
	}

	hr.Result = winner.result
	hr.WinnerEngine = winner.engineID
	hr.Latencies[winner.engineID] = winner.latency

	if winner.engineID == primary {
		metrics.HedgedRequests.WithLabelValues("primary_won").Inc()
	} else {
		metrics.HedgedRequests.WithLabelValues("backup_won").Inc()
	}

	// Cancel the losers and give them the grace period to report.
	pending := 0
	for _, a := range attempts {
		a.cancel()
		if a.engineID != winner.engineID {
			hr.CancelledEngines = append(hr.CancelledEngines, a.engineID)
			pending++
		}
	}

	grace := time.NewTimer(h.cfg.CancelGrace)
	defer grace.Stop()
	for pending > 0 {
		select {
		case out := <-outcomes:
			hr.Latencies[out.engineID] = out.latency
			pending--
		case <-grace.C:
			return hr
		}
	}
	return hr
}

// abandon handles parent-context cancellation mid-race: every attempt
// is cancelled and whichever result arrives within the grace period
// becomes the (cancelled) result.
func (h *HedgingExecutor) abandon(hr *HedgedResult, attempts []hedgeAttempt, outcomes chan hedgeOutcome) *HedgedResult {
	for _, a := range attempts {
		a.cancel()
	}

	grace := time.NewTimer(h.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case out := <-outcomes:
		hr.Result = out.result
		hr.WinnerEngine = out.engineID
		hr.Latencies[out.engineID] = out.latency
	case <-grace.C:
		hr.Result = &ExecutionResult{Kind: KindCancelled, EngineID: attempts[0].engineID, Error: "request cancelled"}
		hr.WinnerEngine = attempts[0].engineID
	}
	metrics.HedgedRequests.WithLabelValues("cancelled").Inc()
	return hr
}
