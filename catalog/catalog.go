// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package catalog holds the registry of backend inference engines.
//
// The catalog is an immutable snapshot: it is built once from static
// configuration (plus optional environment-driven entries) and never
// mutated afterwards, so readers need no synchronization. Replacing the
// engine set means building a new snapshot, not editing in place.
package catalog

import (
	"fmt"
	"time"
)

// Catalog is an immutable snapshot of the engine registry.
type Catalog struct {
	engines map[string]*EngineSpec
	order   []string // insertion order, used for deterministic iteration
}

// New builds a catalog snapshot from the given specs. Engine ids must be
// unique; duplicates and malformed specs are startup-time failures.
func New(specs []EngineSpec) (*Catalog, error) {
	c := &Catalog{
		engines: make(map[string]*EngineSpec, len(specs)),
		order:   make([]string, 0, len(specs)),
	}

	for i := range specs {
		spec := specs[i]
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if spec.Safety == "" {
			spec.Safety = SafetyLow
		}
		if spec.Timeout == 0 {
			spec.Timeout = 30 * time.Second
		}
		if _, exists := c.engines[spec.ID]; exists {
			return nil, fmt.Errorf("duplicate engine id %q", spec.ID)
		}
		c.engines[spec.ID] = &spec
		c.order = append(c.order, spec.ID)
	}

	return c, nil
}

// Get returns the spec for the given engine id.
func (c *Catalog) Get(id string) (*EngineSpec, bool) {
	spec, ok := c.engines[id]
	return spec, ok
}

// ListAll returns every engine in catalog order.
func (c *Catalog) ListAll() []*EngineSpec {
	out := make([]*EngineSpec, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.engines[id])
	}
	return out
}

// ListIDs returns every engine id in catalog order.
func (c *Catalog) ListIDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// ListByCapability returns engines supporting cap, in catalog order.
func (c *Catalog) ListByCapability(cap Capability) []*EngineSpec {
	var out []*EngineSpec
	for _, id := range c.order {
		if c.engines[id].HasCapability(cap) {
			out = append(out, c.engines[id])
		}
	}
	return out
}

// ListBySafety returns engines whose safety level is at or above min,
// in catalog order.
func (c *Catalog) ListBySafety(min SafetyLevel) []*EngineSpec {
	var out []*EngineSpec
	for _, id := range c.order {
		if c.engines[id].Safety.AtLeast(min) {
			out = append(out, c.engines[id])
		}
	}
	return out
}

// ListByLabel returns engines carrying the given routing label, in
// catalog order.
func (c *Catalog) ListByLabel(label string) []*EngineSpec {
	var out []*EngineSpec
	for _, id := range c.order {
		if c.engines[id].HasLabel(label) {
			out = append(out, c.engines[id])
		}
	}
	return out
}

// Len returns the number of engines in the snapshot.
func (c *Catalog) Len() int {
	return len(c.order)
}
