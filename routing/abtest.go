// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"routegate/metrics"
	"routegate/store"
)

// abTestHashKey is the store hash holding every test config, keyed by
// test id.
const abTestHashKey = "abtests"

// DefaultWinnerMinRequests is the per-variant sample size required
// before the winner heuristic is computed.
const DefaultWinnerMinRequests = 100

// ABTestManagerConfig configures the A/B test manager.
type ABTestManagerConfig struct {
	// WinnerMinRequests is the minimum request count each variant needs
	// before a winner is declared.
	WinnerMinRequests int
}

// VariantStats accumulates per-variant outcome counters.
type VariantStats struct {
	Requests  int64   `json:"requests"`
	Successes int64   `json:"successes"`
	TotalMs   float64 `json:"total_ms"`
}

// ABTest is one active experiment splitting traffic between two engines.
type ABTest struct {
	TestID    string    `json:"test_id"`
	VariantA  string    `json:"variant_a"`
	VariantB  string    `json:"variant_b"`
	Split     float64   `json:"split"` // fraction of traffic to variant B
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Active    bool      `json:"active"`

	StatsA VariantStats `json:"stats_a"`
	StatsB VariantStats `json:"stats_b"`
}

// ABTestManager registers experiments, assigns variants
// deterministically, and aggregates outcomes. Configs are mirrored into
// the shared store (best effort) and loaded back at construction so
// experiments survive restarts.
type ABTestManager struct {
	tests map[string]*ABTest
	// order holds test ids in creation order. Assignment scans it so
	// that a user matching several experiments is always attributed to
	// the same one.
	order  []string
	cfg    ABTestManagerConfig
	store  store.Store // may be nil
	logger *log.Logger
	mu     sync.Mutex

	now func() time.Time
}

// NewABTestManager creates an ABTestManager. A nil store keeps configs
// in memory only; with a store, previously persisted experiments are
// loaded back.
func NewABTestManager(cfg ABTestManagerConfig, st store.Store) *ABTestManager {
	if cfg.WinnerMinRequests <= 0 {
		cfg.WinnerMinRequests = DefaultWinnerMinRequests
	}
	m := &ABTestManager{
		tests:  make(map[string]*ABTest),
		cfg:    cfg,
		store:  st,
		logger: log.New(os.Stdout, "[ABTEST] ", log.LstdFlags),
		now:    time.Now,
	}
	if st != nil {
		m.hydrate()
	}
	return m
}

// hydrate loads persisted experiments from the store hash. Best effort:
// an unreachable store starts the manager empty, same as a nil store.
func (m *ABTestManager) hydrate() {
	fields, err := m.store.HGetAllJSON(context.Background(), abTestHashKey)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("abtest").Inc()
		m.logger.Printf("failed to load persisted tests: %v", err)
		return
	}

	for id, raw := range fields {
		var test ABTest
		if err := json.Unmarshal(raw, &test); err != nil || test.TestID == "" {
			m.logger.Printf("skipping unreadable test config %q: %v", id, err)
			continue
		}
		m.tests[test.TestID] = &test
		m.order = append(m.order, test.TestID)
	}

	// The store hash has no ordering; reconstruct creation order from
	// the start times.
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.tests[m.order[i]], m.tests[m.order[j]]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.TestID < b.TestID
	})

	if len(m.order) > 0 {
		m.logger.Printf("Loaded %d persisted tests", len(m.order))
	}
}

// CreateTest registers an experiment with counters at zero.
func (m *ABTestManager) CreateTest(testID, variantA, variantB string, split float64, duration time.Duration) (*ABTest, error) {
	if testID == "" || variantA == "" || variantB == "" {
		return nil, fmt.Errorf("test id and both variants are required")
	}
	if split < 0 || split > 1 {
		return nil, fmt.Errorf("split %f out of range [0,1]", split)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tests[testID]; exists {
		return nil, fmt.Errorf("test %q already exists", testID)
	}

	now := m.now()
	test := &ABTest{
		TestID:    testID,
		VariantA:  variantA,
		VariantB:  variantB,
		Split:     split,
		StartTime: now,
		EndTime:   now.Add(duration),
		Active:    true,
	}
	m.tests[testID] = test
	m.order = append(m.order, testID)
	m.persistLocked(test)

	m.logger.Printf("Created test %s: %s vs %s (split=%.2f, until %s)",
		testID, variantA, variantB, split, test.EndTime.Format(time.RFC3339))
	return test, nil
}

// Variant returns the deterministic assignment for one user. The same
// (testID, userID) pair always maps to the same variant for the life of
// the test. Expired tests are marked inactive on lookup and return no
// assignment.
func (m *ABTestManager) Variant(testID, userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	test, ok := m.tests[testID]
	if !ok || !m.activeLocked(test) {
		return "", false
	}
	return assignVariant(test, userID), true
}

// Assign finds the first active test (in creation order) whose
// assignment for this user is one of the surviving candidates, and
// returns that (testID, engine). The fixed scan order keeps attribution
// stable when a user matches more than one experiment.
func (m *ABTestManager) Assign(userID string, candidates []string) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inSet := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		inSet[id] = true
	}

	for _, id := range m.order {
		test := m.tests[id]
		if !m.activeLocked(test) {
			continue
		}
		engine := assignVariant(test, userID)
		if inSet[engine] {
			return test.TestID, engine, true
		}
	}
	return "", "", false
}

// RecordResult accumulates one outcome for a variant.
func (m *ABTestManager) RecordResult(testID, variant string, success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	test, ok := m.tests[testID]
	if !ok {
		return
	}

	var stats *VariantStats
	switch variant {
	case test.VariantA:
		stats = &test.StatsA
	case test.VariantB:
		stats = &test.StatsB
	default:
		return
	}

	stats.Requests++
	if success {
		stats.Successes++
	}
	stats.TotalMs += float64(latency.Milliseconds())

	m.persistLocked(test)
}

// Winner computes the winner heuristic once both variants have reached
// the configured sample size: score = success_rate - avg_latency_ms/1000,
// higher wins.
func (m *ABTestManager) Winner(testID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	test, ok := m.tests[testID]
	if !ok {
		return "", false
	}
	if test.StatsA.Requests < int64(m.cfg.WinnerMinRequests) ||
		test.StatsB.Requests < int64(m.cfg.WinnerMinRequests) {
		return "", false
	}

	if variantScore(test.StatsA) >= variantScore(test.StatsB) {
		return test.VariantA, true
	}
	return test.VariantB, true
}

// Tests returns a snapshot of every registered test in creation order.
func (m *ABTestManager) Tests() []ABTest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ABTest, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.tests[id])
	}
	return out
}

// ExpireSweep marks every past-end-time test inactive. Called from the
// broker's maintenance loop; lookups also expire lazily.
func (m *ABTestManager) ExpireSweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, test := range m.tests {
		m.activeLocked(test)
	}
}

// activeLocked checks test liveness, flipping Active on expiry.
func (m *ABTestManager) activeLocked(test *ABTest) bool {
	if !test.Active {
		return false
	}
	if m.now().After(test.EndTime) {
		test.Active = false
		m.persistLocked(test)
		m.logger.Printf("Test %s expired", test.TestID)
		return false
	}
	return true
}

// persistLocked mirrors the test config into the store, best effort.
func (m *ABTestManager) persistLocked(test *ABTest) {
	if m.store == nil {
		return
	}
	if err := m.store.HSetJSON(context.Background(), abTestHashKey, test.TestID, test); err != nil {
		metrics.StoreErrors.WithLabelValues("abtest").Inc()
		m.logger.Printf("failed to persist test %s: %v", test.TestID, err)
	}
}

func variantScore(s VariantStats) float64 {
	if s.Requests == 0 {
		return 0
	}
	successRate := float64(s.Successes) / float64(s.Requests)
	avgLatencyMs := s.TotalMs / float64(s.Requests)
	return successRate - avgLatencyMs/1000
}

// assignVariant maps hash(testID:userID) mod 100 onto the split: below
// the split fraction goes to variant B.
func assignVariant(test *ABTest, userID string) string {
	h := fnv.New32a()
	h.Write([]byte(test.TestID + ":" + userID))
	bucket := float64(h.Sum32()%100) / 100
	if bucket < test.Split {
		return test.VariantB
	}
	return test.VariantA
}
