// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSpecs() []EngineSpec {
	return []EngineSpec{
		{
			ID:           "smx-large",
			Kind:         ProviderSMX,
			Model:        "smx-70b",
			Capabilities: []Capability{CapChat, CapReasoning, CapStreaming},
			Safety:       SafetyHigh,
			CostPer1K:    0.004,
			Priority:     10,
			Labels:       []string{"precise"},
		},
		{
			ID:           "smx-small",
			Kind:         ProviderSMX,
			Model:        "smx-7b",
			Capabilities: []Capability{CapChat, CapStreaming},
			Safety:       SafetyMedium,
			CostPer1K:    0.0004,
			Priority:     5,
			Labels:       []string{"fast", "conversational"},
		},
		{
			ID:           "code-specialist",
			Kind:         ProviderOpenAICompat,
			Model:        "coder-34b",
			Capabilities: []Capability{CapChat, CapCode},
			Labels:       []string{"precise"},
		},
	}
}

func TestNewCatalog(t *testing.T) {
	cat, err := New(testSpecs())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if cat.Len() != 3 {
		t.Errorf("Len() = %d, want 3", cat.Len())
	}

	// Defaults applied to the third spec.
	spec, ok := cat.Get("code-specialist")
	if !ok {
		t.Fatal("Get(code-specialist) not found")
	}
	if spec.Safety != SafetyLow {
		t.Errorf("default safety = %s, want %s", spec.Safety, SafetyLow)
	}
	if spec.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", spec.Timeout)
	}
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	specs := testSpecs()
	specs = append(specs, specs[0])
	if _, err := New(specs); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestNewCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		spec EngineSpec
	}{
		{"missing id", EngineSpec{Kind: ProviderSMX, Model: "m"}},
		{"bad kind", EngineSpec{ID: "x", Kind: "carrier-pigeon", Model: "m"}},
		{"bad safety", EngineSpec{ID: "x", Kind: ProviderSMX, Model: "m", Safety: "extreme"}},
		{"negative cost", EngineSpec{ID: "x", Kind: ProviderSMX, Model: "m", CostPer1K: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]EngineSpec{tt.spec}); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCatalogOrderIsDeterministic(t *testing.T) {
	cat, err := New(testSpecs())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	want := []string{"smx-large", "smx-small", "code-specialist"}
	got := cat.ListIDs()
	if len(got) != len(want) {
		t.Fatalf("ListIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListIDs()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCatalogFilters(t *testing.T) {
	cat, err := New(testSpecs())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	code := cat.ListByCapability(CapCode)
	if len(code) != 1 || code[0].ID != "code-specialist" {
		t.Errorf("ListByCapability(code) = %v", ids(code))
	}

	safe := cat.ListBySafety(SafetyMedium)
	if len(safe) != 2 {
		t.Errorf("ListBySafety(medium) = %v, want 2 engines", ids(safe))
	}

	fast := cat.ListByLabel("fast")
	if len(fast) != 1 || fast[0].ID != "smx-small" {
		t.Errorf("ListByLabel(fast) = %v", ids(fast))
	}
}

func TestSafetyOrdering(t *testing.T) {
	if !SafetyCritical.AtLeast(SafetyLow) {
		t.Error("critical should be at least low")
	}
	if SafetyLow.AtLeast(SafetyHigh) {
		t.Error("low should not be at least high")
	}
	if !SafetyMedium.AtLeast(SafetyMedium) {
		t.Error("level should be at least itself")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engines.yaml")
	yaml := `engines:
  - id: smx-large
    kind: smx
    model: smx-70b
    capabilities: [chat, reasoning]
    safety: high
    cost_per_1k: 0.004
    timeout_seconds: 45
  - id: smx-small
    kind: smx
    model: smx-7b
    capabilities: [chat]
    labels: [fast]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cat, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cat.Len())
	}

	spec, _ := cat.Get("smx-large")
	if spec.Timeout != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", spec.Timeout)
	}
	if spec.Safety != SafetyHigh {
		t.Errorf("safety = %s, want high", spec.Safety)
	}
}

func TestParseEnvEngines(t *testing.T) {
	specs, err := ParseEnvEngines("extra-1:local:tiny:localhost:9000;extra-2:smx:smx-7b:10.0.0.5:8000")
	if err != nil {
		t.Fatalf("ParseEnvEngines() error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0].ID != "extra-1" || specs[0].Kind != ProviderLocal {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if specs[1].Address != "10.0.0.5:8000" {
		t.Errorf("specs[1].Address = %s, want 10.0.0.5:8000", specs[1].Address)
	}

	if _, err := ParseEnvEngines("not-enough-fields"); err == nil {
		t.Error("expected error for malformed entry")
	}
}

func ids(specs []*EngineSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.ID
	}
	return out
}
