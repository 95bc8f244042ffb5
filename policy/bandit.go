// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the contextual-bandit scoring policy: learned
// per-(class_key, engine) utility used for the final engine pick.
package policy

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"routegate/catalog"
	"routegate/metrics"
	"routegate/store"
)

// FailOpen declares this subsystem's policy when the shared store is
// unreachable: score from local in-process stats and keep serving.
const FailOpen = true

// banditTTL is how long persisted per-(class,engine) stats live without
// fresh observations.
const banditTTL = 7 * 24 * time.Hour

// priorFloor keeps the Beta parameters strictly positive so utility
// computation never divides by zero. Beta(1,1) is the uniform prior.
const priorFloor = 1.0

// emaDecay is the per-observation decay factor for latency and quality.
const emaDecay = 0.1

// Weights are the utility term coefficients.
type Weights struct {
	Quality float64
	Success float64
	Latency float64
	Cost    float64
	Safety  float64
}

// DefaultWeights returns the documented defaults.
func DefaultWeights() Weights {
	return Weights{
		Quality: 0.35,
		Success: 0.35,
		Latency: 0.20,
		Cost:    0.05,
		Safety:  0.05,
	}
}

// EngineStats is the learned performance of one (class_key, engine_id)
// pair: a Beta-like success prior plus moving averages.
type EngineStats struct {
	A            float64   `json:"a"`
	B            float64   `json:"b"`
	EMALatencyMs float64   `json:"ema_latency_ms"`
	EMAQuality   float64   `json:"ema_quality"`
	LastSeen     time.Time `json:"last_seen"`
}

func newEngineStats() *EngineStats {
	return &EngineStats{A: priorFloor, B: priorFloor}
}

// Bandit maintains per-(class_key, engine) stats and scores candidates.
// Stats persist in the shared store with a 7-day expiry; when the store
// is unreachable the bandit runs on its local copy.
type Bandit struct {
	stats   map[string]*EngineStats // key: classKey|engineID
	weights Weights
	store   store.Store // may be nil
	logger  *log.Logger
	mu      sync.Mutex
}

// NewBandit creates a Bandit with the given weights (zero value =
// defaults). A nil store keeps stats in memory only.
func NewBandit(weights Weights, st store.Store) *Bandit {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Bandit{
		stats:   make(map[string]*EngineStats),
		weights: weights,
		store:   st,
		logger:  log.New(os.Stdout, "[BANDIT] ", log.LstdFlags),
	}
}

func statsKey(classKey, engineID string) string {
	return classKey + "|" + engineID
}

func storeKey(classKey, engineID string) string {
	return fmt.Sprintf("bandit:%s:%s", classKey, engineID)
}

// Choose returns the candidate with the maximum utility plus the full
// score map for observability. Ties keep the earlier candidate, i.e.
// catalog iteration order. safetyRisk applies the safety penalty term.
func (b *Bandit) Choose(ctx context.Context, classKey string, candidates []*catalog.EngineSpec, safetyRisk bool) (string, map[string]float64) {
	if len(candidates) == 0 {
		return "", nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	scores := make(map[string]float64, len(candidates))
	best := candidates[0].ID
	bestScore := math.Inf(-1)

	for _, spec := range candidates {
		stats := b.getStatsLocked(ctx, classKey, spec.ID)
		score := b.utility(stats, spec, safetyRisk)
		scores[spec.ID] = score
		if score > bestScore {
			best = spec.ID
			bestScore = score
		}
	}

	return best, scores
}

// Update feeds one observed outcome back into the stats for the pair.
// reward must be in [0,1].
func (b *Bandit) Update(ctx context.Context, classKey, engineID string, reward float64, latency time.Duration, success bool) {
	reward = clamp01(reward)

	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.getStatsLocked(ctx, classKey, engineID)
	stats.A += reward
	stats.B += 1 - reward
	stats.EMALatencyMs = ema(stats.EMALatencyMs, float64(latency.Milliseconds()))
	stats.EMAQuality = ema(stats.EMAQuality, reward)
	stats.LastSeen = time.Now()

	if b.store != nil {
		key := storeKey(classKey, engineID)
		if err := b.store.SetJSON(ctx, key, stats, banditTTL); err != nil {
			metrics.StoreErrors.WithLabelValues("bandit").Inc()
			b.logger.Printf("failed to persist %s: %v", key, err)
		}
	}
}

// Stats returns a copy of the learned stats for one pair.
func (b *Bandit) Stats(ctx context.Context, classKey, engineID string) EngineStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.getStatsLocked(ctx, classKey, engineID)
}

// getStatsLocked returns the stats for a pair, loading from the store on
// first reference and falling back to a fresh prior when the store is
// unreachable. Callers hold b.mu.
func (b *Bandit) getStatsLocked(ctx context.Context, classKey, engineID string) *EngineStats {
	key := statsKey(classKey, engineID)
	if stats, ok := b.stats[key]; ok {
		return stats
	}

	stats := newEngineStats()
	if b.store != nil {
		found, err := b.store.GetJSON(ctx, storeKey(classKey, engineID), stats)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("bandit").Inc()
			b.logger.Printf("failed to load %s, starting fresh: %v", storeKey(classKey, engineID), err)
		}
		if !found || stats.A < priorFloor || stats.B < priorFloor {
			if stats.A < priorFloor {
				stats.A = priorFloor
			}
			if stats.B < priorFloor {
				stats.B = priorFloor
			}
		}
	}

	b.stats[key] = stats
	return stats
}

// utility computes the candidate's score:
//
//	wQ*ema_quality + wS*(a/(a+b)) - wL*norm_latency - wC*norm_cost - wR*safety_penalty
func (b *Bandit) utility(stats *EngineStats, spec *catalog.EngineSpec, safetyRisk bool) float64 {
	successRate := stats.A / (stats.A + stats.B)
	normLatency := math.Min(2, stats.EMALatencyMs/800)
	normCost := math.Min(2, spec.CostPer1K/0.002)

	penalty := 0.0
	if safetyRisk {
		switch spec.Safety {
		case catalog.SafetyLow:
			penalty = 0.5
		case catalog.SafetyMedium:
			penalty = 0.2
		}
	}

	return b.weights.Quality*stats.EMAQuality +
		b.weights.Success*successRate -
		b.weights.Latency*normLatency -
		b.weights.Cost*normCost -
		b.weights.Safety*penalty
}

func ema(current, sample float64) float64 {
	return current*(1-emaDecay) + sample*emaDecay
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
