// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package routing

import "testing"

func TestAcquireRelease(t *testing.T) {
	lb := NewLoadBalancer(map[string]int{"e1": 2})

	if !lb.Acquire("e1") || !lb.Acquire("e1") {
		t.Fatal("acquires within capacity failed")
	}
	if lb.Acquire("e1") {
		t.Error("acquire beyond capacity succeeded")
	}
	if lb.InFlight("e1") != 2 {
		t.Errorf("InFlight = %d, want 2", lb.InFlight("e1"))
	}

	lb.Release("e1")
	if !lb.Acquire("e1") {
		t.Error("released slot should be acquirable")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	lb := NewLoadBalancer(nil)

	lb.Release("e1")
	lb.Release("e1")
	if lb.InFlight("e1") != 0 {
		t.Errorf("InFlight = %d, want 0", lb.InFlight("e1"))
	}
}

func TestDefaultCapacity(t *testing.T) {
	lb := NewLoadBalancer(nil)

	for i := 0; i < DefaultEngineCapacity; i++ {
		if !lb.Acquire("e1") {
			t.Fatalf("acquire %d failed under default capacity", i)
		}
	}
	if lb.Acquire("e1") {
		t.Error("acquire past default capacity succeeded")
	}
}

func TestLeastLoaded(t *testing.T) {
	lb := NewLoadBalancer(map[string]int{"e1": 10, "e2": 10, "e3": 10})

	lb.Acquire("e1")
	lb.Acquire("e1")
	lb.Acquire("e2")

	id, ok := lb.LeastLoaded([]string{"e1", "e2", "e3"})
	if !ok || id != "e3" {
		t.Errorf("LeastLoaded = %s (%t), want e3", id, ok)
	}

	// Ties keep the earlier candidate.
	lb.Acquire("e3")
	id, _ = lb.LeastLoaded([]string{"e2", "e3"})
	if id != "e2" {
		t.Errorf("tie broke to %s, want e2", id)
	}
}

func TestLeastLoadedSkipsSaturated(t *testing.T) {
	lb := NewLoadBalancer(map[string]int{"e1": 1, "e2": 1})

	lb.Acquire("e1")
	id, ok := lb.LeastLoaded([]string{"e1", "e2"})
	if !ok || id != "e2" {
		t.Errorf("LeastLoaded = %s (%t), want e2", id, ok)
	}

	lb.Acquire("e2")
	if _, ok := lb.LeastLoaded([]string{"e1", "e2"}); ok {
		t.Error("all candidates saturated, want ok=false")
	}
}

func TestCleanupDropsIdleCounters(t *testing.T) {
	lb := NewLoadBalancer(nil)

	lb.Acquire("busy")
	lb.Acquire("idle")
	lb.Release("idle")
	lb.Cleanup()

	lb.mu.Lock()
	_, busyKept := lb.counts["busy"]
	_, idleKept := lb.counts["idle"]
	lb.mu.Unlock()

	if !busyKept {
		t.Error("busy engine's counter was dropped")
	}
	if idleKept {
		t.Error("idle engine's counter survived cleanup")
	}
}
