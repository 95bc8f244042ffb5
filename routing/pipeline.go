// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"log"
	"os"

	"routegate/metrics"
)

// PipelineResult is the outcome of one pipeline pass.
type PipelineResult struct {
	// Candidates is the filtered/reordered engine list. Final selection
	// among them belongs to the policy bandit, except when an A/B test
	// short-circuited to a single engine.
	Candidates []string

	// ABTestID is set when an A/B assignment short-circuited the list.
	ABTestID string

	// BreakerFallback is true when every candidate's breaker rejected
	// the attempt and the list fell back to the first original
	// candidate.
	BreakerFallback bool
}

// Pipeline applies the advanced-routing stages in fixed order:
// circuit-breaker filtering, A/B test override, least-loaded reordering.
// It only filters and reorders; it never makes the final pick.
type Pipeline struct {
	breakers *BreakerSet
	lb       *LoadBalancer
	ab       *ABTestManager
	logger   *log.Logger
}

// NewPipeline wires the routing stages together.
func NewPipeline(breakers *BreakerSet, lb *LoadBalancer, ab *ABTestManager) *Pipeline {
	return &Pipeline{
		breakers: breakers,
		lb:       lb,
		ab:       ab,
		logger:   log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
	}
}

// Apply runs the pipeline over the candidate ids. userID may be empty,
// which skips A/B assignment.
func (p *Pipeline) Apply(candidates []string, userID string) PipelineResult {
	if len(candidates) == 0 {
		return PipelineResult{}
	}

	// Stage 1: drop engines whose breaker rejects the attempt. When that
	// empties the list, fall back to the first original candidate rather
	// than failing the request. This knowingly sends traffic to an
	// unhealthy engine; the condition is logged and counted so it is
	// never silent.
	surviving := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if p.breakers.Get(id).CanAttempt() {
			surviving = append(surviving, id)
		}
	}

	result := PipelineResult{}
	if len(surviving) == 0 {
		surviving = []string{candidates[0]}
		result.BreakerFallback = true
		metrics.BreakerFallbacks.Inc()
		p.logger.Printf("WARNING: all breakers open, falling back to %s", candidates[0])
	}

	// Stage 2: an A/B assignment matching a surviving candidate
	// short-circuits to that single engine.
	if userID != "" && p.ab != nil {
		if testID, engine, ok := p.ab.Assign(userID, surviving); ok {
			result.Candidates = []string{engine}
			result.ABTestID = testID
			return result
		}
	}

	// Stage 3: move the least-loaded engine to the front.
	if leastLoaded, ok := p.lb.LeastLoaded(surviving); ok && surviving[0] != leastLoaded {
		reordered := make([]string, 0, len(surviving))
		reordered = append(reordered, leastLoaded)
		for _, id := range surviving {
			if id != leastLoaded {
				reordered = append(reordered, id)
			}
		}
		surviving = reordered
	}

	result.Candidates = surviving
	return result
}
