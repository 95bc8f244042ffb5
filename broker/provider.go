// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"time"

	"routegate/catalog"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries per-request generation parameters.
type ChatOptions struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// Response is a provider's reply.
type Response struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// Provider is the contract the broker consumes; the concrete per-engine
// network clients implement it elsewhere. Implementations must be safe
// for concurrent use and must surface failures as errors, never as
// silently malformed content.
type Provider interface {
	// Name returns the engine id this provider serves.
	Name() string

	// Health reports whether the backend is operational.
	Health(ctx context.Context) bool

	// Chat generates a reply. The context is used for cancellation and
	// timeout; implementations must abandon work promptly when it fires.
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error)
}

// SafetyChecker is optionally implemented by providers that can screen
// content before generation.
type SafetyChecker interface {
	SafetyCheck(ctx context.Context, text string) (bool, error)
}

// ProviderFactory creates a provider for one engine spec. Factories are
// keyed by provider kind and resolved once at catalog load, so per-call
// dispatch never compares kind strings.
type ProviderFactory func(spec *catalog.EngineSpec) (Provider, error)

// BuildProviders resolves a provider instance for every engine in the
// catalog. Unknown kinds are startup-time failures.
func BuildProviders(cat *catalog.Catalog, factories map[catalog.ProviderKind]ProviderFactory) (map[string]Provider, error) {
	providers := make(map[string]Provider, cat.Len())
	for _, spec := range cat.ListAll() {
		factory, ok := factories[spec.Kind]
		if !ok {
			return nil, fmt.Errorf("no provider factory for kind %q (engine %q)", spec.Kind, spec.ID)
		}
		p, err := factory(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider for engine %q: %w", spec.ID, err)
		}
		providers[spec.ID] = p
	}
	return providers, nil
}

// StaticProvider is an in-process Provider used for the "local" kind,
// dev environments, and tests. It replies with a fixed payload after an
// optional delay and honors context cancellation.
type StaticProvider struct {
	EngineID string
	Model    string
	Reply    string
	Delay    time.Duration
	Err      error
	Healthy  bool
}

// NewStaticProvider creates a healthy StaticProvider for the spec.
func NewStaticProvider(spec *catalog.EngineSpec) *StaticProvider {
	return &StaticProvider{
		EngineID: spec.ID,
		Model:    spec.Model,
		Reply:    "ok",
		Healthy:  true,
	}
}

// Name returns the engine id.
func (p *StaticProvider) Name() string { return p.EngineID }

// Health reports the configured health flag.
func (p *StaticProvider) Health(ctx context.Context) bool { return p.Healthy }

// Chat replies with the fixed payload after the configured delay.
func (p *StaticProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return &Response{Content: p.Reply, Model: p.Model, TokensUsed: len(p.Reply)}, nil
}

// LocalFactories returns a factory map serving every kind with
// StaticProvider. Real deployments replace the network-backed kinds.
func LocalFactories() map[catalog.ProviderKind]ProviderFactory {
	factory := func(spec *catalog.EngineSpec) (Provider, error) {
		return NewStaticProvider(spec), nil
	}
	return map[catalog.ProviderKind]ProviderFactory{
		catalog.ProviderSMX:          factory,
		catalog.ProviderOpenAICompat: factory,
		catalog.ProviderAnthropic:    factory,
		catalog.ProviderLocal:        factory,
	}
}
