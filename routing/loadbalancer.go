// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"sync"
)

// DefaultEngineCapacity applies to engines without a configured capacity.
const DefaultEngineCapacity = 100

// LoadBalancer tracks per-engine in-flight request counts against
// configured capacities. Counters are process-local (see DESIGN.md).
type LoadBalancer struct {
	counts     map[string]int
	capacities map[string]int
	mu         sync.Mutex
}

// NewLoadBalancer creates a LoadBalancer. capacities maps engine id to
// maximum in-flight requests; missing entries default to
// DefaultEngineCapacity.
func NewLoadBalancer(capacities map[string]int) *LoadBalancer {
	if capacities == nil {
		capacities = make(map[string]int)
	}
	return &LoadBalancer{
		counts:     make(map[string]int),
		capacities: capacities,
	}
}

func (lb *LoadBalancer) capacity(engineID string) int {
	if cap, ok := lb.capacities[engineID]; ok && cap > 0 {
		return cap
	}
	return DefaultEngineCapacity
}

// Acquire reserves one slot on the engine. Returns false when the engine
// is at capacity.
func (lb *LoadBalancer) Acquire(engineID string) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.counts[engineID] >= lb.capacity(engineID) {
		return false
	}
	lb.counts[engineID]++
	return true
}

// Release returns a slot. The count never goes below zero.
func (lb *LoadBalancer) Release(engineID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.counts[engineID] > 0 {
		lb.counts[engineID]--
	}
}

// InFlight returns the engine's current in-flight count.
func (lb *LoadBalancer) InFlight(engineID string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.counts[engineID]
}

// LeastLoaded returns the candidate with the smallest in-flight count
// among those with spare capacity. Returns false when every candidate is
// saturated. Ties keep the earlier candidate.
func (lb *LoadBalancer) LeastLoaded(candidates []string) (string, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	best := ""
	bestCount := 0
	found := false
	for _, id := range candidates {
		count := lb.counts[id]
		if count >= lb.capacity(id) {
			continue
		}
		if !found || count < bestCount {
			best = id
			bestCount = count
			found = true
		}
	}
	return best, found
}

// Cleanup drops zero-count entries to bound memory. This is cosmetic GC,
// not a correctness mechanism.
func (lb *LoadBalancer) Cleanup() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for id, count := range lb.counts {
		if count == 0 {
			delete(lb.counts, id)
		}
	}
}
