// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"time"
)

// ProviderKind identifies the backend implementation behind an engine.
// The set is closed: provider dispatch is resolved once at catalog load,
// not by string comparison per call.
type ProviderKind string

const (
	// ProviderSMX is the in-house SMX inference server protocol.
	ProviderSMX ProviderKind = "smx"

	// ProviderOpenAICompat covers any backend speaking the OpenAI chat API.
	ProviderOpenAICompat ProviderKind = "openai_compat"

	// ProviderAnthropic is the Anthropic messages API.
	ProviderAnthropic ProviderKind = "anthropic"

	// ProviderLocal is an in-process engine, used for tests and dev.
	ProviderLocal ProviderKind = "local"
)

// ValidProviderKinds contains all valid provider kind values.
var ValidProviderKinds = []ProviderKind{
	ProviderSMX,
	ProviderOpenAICompat,
	ProviderAnthropic,
	ProviderLocal,
}

// IsValidProviderKind checks if a string is a valid provider kind.
func IsValidProviderKind(s string) bool {
	for _, valid := range ValidProviderKinds {
		if ProviderKind(s) == valid {
			return true
		}
	}
	return false
}

// SafetyLevel is an ordered safety rating: low < medium < high < critical.
type SafetyLevel string

const (
	SafetyLow      SafetyLevel = "low"
	SafetyMedium   SafetyLevel = "medium"
	SafetyHigh     SafetyLevel = "high"
	SafetyCritical SafetyLevel = "critical"
)

var safetyRank = map[SafetyLevel]int{
	SafetyLow:      0,
	SafetyMedium:   1,
	SafetyHigh:     2,
	SafetyCritical: 3,
}

// AtLeast reports whether s meets or exceeds the min safety level.
func (s SafetyLevel) AtLeast(min SafetyLevel) bool {
	return safetyRank[s] >= safetyRank[min]
}

// IsValidSafetyLevel checks if a string is a valid safety level.
func IsValidSafetyLevel(s string) bool {
	_, ok := safetyRank[SafetyLevel(s)]
	return ok
}

// Capability names a feature an engine supports.
type Capability string

const (
	CapChat      Capability = "chat"
	CapCode      Capability = "code"
	CapReasoning Capability = "reasoning"
	CapStreaming Capability = "streaming"
	CapSafety    Capability = "safety"
)

// EngineSpec describes one addressable inference backend. Specs are
// immutable after catalog load; catalog changes require a new snapshot.
type EngineSpec struct {
	// ID uniquely identifies the engine within a catalog snapshot.
	ID string `yaml:"id" json:"id"`

	// Kind selects the provider implementation.
	Kind ProviderKind `yaml:"kind" json:"kind"`

	// Model is the backend model name passed through to the provider.
	Model string `yaml:"model" json:"model"`

	// Capabilities lists the features this engine supports.
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`

	// Safety is the engine's safety rating.
	Safety SafetyLevel `yaml:"safety" json:"safety"`

	// ContextLength is the maximum prompt size in tokens.
	ContextLength int `yaml:"context_length" json:"context_length"`

	// CostPer1K is the cost per 1000 tokens in USD.
	CostPer1K float64 `yaml:"cost_per_1k" json:"cost_per_1k"`

	// Priority breaks ties during selection (higher = preferred).
	Priority int `yaml:"priority" json:"priority"`

	// Timeout bounds a single request to this engine.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Address is the network address of the backend.
	Address string `yaml:"address" json:"address"`

	// Labels carry routing hints such as "fast" or "empathetic".
	Labels []string `yaml:"labels" json:"labels"`
}

// HasCapability reports whether the engine supports cap.
func (s *EngineSpec) HasCapability(cap Capability) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasLabel reports whether the engine carries the given routing label.
func (s *EngineSpec) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Validate checks the spec for configuration errors. Malformed catalog
// data surfaces here, at startup, before any request is served.
func (s *EngineSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("engine id is required")
	}
	if !IsValidProviderKind(string(s.Kind)) {
		return fmt.Errorf("engine %q: unknown provider kind %q", s.ID, s.Kind)
	}
	if s.Safety != "" && !IsValidSafetyLevel(string(s.Safety)) {
		return fmt.Errorf("engine %q: unknown safety level %q", s.ID, s.Safety)
	}
	if s.CostPer1K < 0 {
		return fmt.Errorf("engine %q: negative cost %f", s.ID, s.CostPer1K)
	}
	return nil
}
