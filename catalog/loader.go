// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile represents the root structure of a catalog configuration file.
type ConfigFile struct {
	Version string         `yaml:"version"`
	Engines []EngineConfig `yaml:"engines"`
}

// EngineConfig is the file representation of one engine entry.
// Timeout is expressed in seconds for readability in YAML.
type EngineConfig struct {
	ID             string   `yaml:"id"`
	Kind           string   `yaml:"kind"`
	Model          string   `yaml:"model,omitempty"`
	Capabilities   []string `yaml:"capabilities,omitempty"`
	Safety         string   `yaml:"safety,omitempty"`
	ContextLength  int      `yaml:"context_length,omitempty"`
	CostPer1K      float64  `yaml:"cost_per_1k,omitempty"`
	Priority       int      `yaml:"priority,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Address        string   `yaml:"address,omitempty"`
	Labels         []string `yaml:"labels,omitempty"`
}

func (e EngineConfig) toSpec() EngineSpec {
	caps := make([]Capability, 0, len(e.Capabilities))
	for _, c := range e.Capabilities {
		caps = append(caps, Capability(c))
	}
	return EngineSpec{
		ID:            e.ID,
		Kind:          ProviderKind(e.Kind),
		Model:         e.Model,
		Capabilities:  caps,
		Safety:        SafetyLevel(e.Safety),
		ContextLength: e.ContextLength,
		CostPer1K:     e.CostPer1K,
		Priority:      e.Priority,
		Timeout:       time.Duration(e.TimeoutSeconds) * time.Second,
		Address:       e.Address,
		Labels:        e.Labels,
	}
}

// LoadFile builds a catalog snapshot from a YAML file plus any engines
// declared in the ROUTEGATE_EXTRA_ENGINES environment variable.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}

	return LoadFromConfig(file.Engines, os.Getenv("ROUTEGATE_EXTRA_ENGINES"))
}

// LoadFromConfig builds a catalog from parsed entries plus an optional
// env-format string of extra engines.
func LoadFromConfig(entries []EngineConfig, extraEnv string) (*Catalog, error) {
	specs := make([]EngineSpec, 0, len(entries))
	for _, e := range entries {
		specs = append(specs, e.toSpec())
	}

	if extraEnv != "" {
		extra, err := ParseEnvEngines(extraEnv)
		if err != nil {
			return nil, err
		}
		for _, e := range extra {
			specs = append(specs, e.toSpec())
		}
	}

	return New(specs)
}

// ParseEnvEngines parses environment-declared engines.
// Format: "id:kind:model:address" entries separated by semicolons,
// e.g. "gpu-1:smx:llama-70b:10.0.0.4:9000;oai:openai_compat:gpt-4o:api.openai.com".
// Address may itself contain colons; everything after the third colon
// belongs to the address.
func ParseEnvEngines(s string) ([]EngineConfig, error) {
	var out []EngineConfig

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		fields := strings.SplitN(part, ":", 4)
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid engine entry %q, expected 'id:kind[:model[:address]]'", part)
		}

		entry := EngineConfig{
			ID:   strings.TrimSpace(fields[0]),
			Kind: strings.TrimSpace(fields[1]),
		}
		if len(fields) > 2 {
			entry.Model = strings.TrimSpace(fields[2])
		}
		if len(fields) > 3 {
			entry.Address = strings.TrimSpace(fields[3])
		}

		out = append(out, entry)
	}

	return out, nil
}
