// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package broker composes the routing core into a single entry point:
// classify, admit, route, execute, learn. The Broker owns the engine
// providers and the per-engine health view; every other component is
// injected so deployments (and tests) can swap policies independently.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"routegate/budget"
	"routegate/catalog"
	"routegate/classifier"
	"routegate/metrics"
	"routegate/policy"
	"routegate/ratelimit"
	"routegate/routing"
	"routegate/shared/logger"
)

// ResultKind classifies an execution outcome. Execution never panics
// and never returns a bare error to the caller; every outcome is one of
// these kinds.
type ResultKind string

const (
	KindOK                ResultKind = "ok"
	KindBackendError      ResultKind = "backend_error"
	KindRateLimited       ResultKind = "rate_limited"
	KindBudgetExceeded    ResultKind = "budget_exceeded"
	KindUnknownEngine     ResultKind = "unknown_engine"
	KindEngineUnavailable ResultKind = "engine_unavailable"
	KindCancelled         ResultKind = "cancelled"
)

// ExecutionResult is the uniform outcome of one execution attempt.
type ExecutionResult struct {
	Kind     ResultKind    `json:"kind"`
	EngineID string        `json:"engine_id"`
	Response *Response     `json:"response,omitempty"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// Success reports whether the attempt produced a usable response.
func (r *ExecutionResult) Success() bool { return r.Kind == KindOK }

// RoutingDecision is the outcome of one routing pass.
type RoutingDecision struct {
	EngineID string `json:"engine_id"`

	// Reason is the rule that produced the decision, e.g.
	// "short_utterance_fast_path" or "bandit_policy".
	Reason string `json:"reason"`

	// Scores holds the bandit's per-candidate utilities when the general
	// path ran; fast paths leave it nil.
	Scores map[string]float64 `json:"scores,omitempty"`

	// HedgeEngineID is the preferred backup should execution hedge.
	HedgeEngineID string `json:"hedge_engine_id,omitempty"`

	// ABTestID is set when an A/B assignment made the pick.
	ABTestID string `json:"ab_test_id,omitempty"`

	// ClassKey is the request's learned-state shard key.
	ClassKey string `json:"class_key"`
}

// Routing decision reason codes.
const (
	ReasonUrgentFastPath    = "urgent_fast_path"
	ReasonIronyEmpathetic   = "irony_empathetic_path"
	ReasonHighAmbiguity     = "high_ambiguity_path"
	ReasonSeriousNegative   = "serious_negative_path"
	ReasonFormalPrecision   = "formal_precision_path"
	ReasonRelaxedTone       = "relaxed_tone_path"
	ReasonShortUtterance    = "short_utterance_fast_path"
	ReasonCodeMarkers       = "code_marker_path"
	ReasonSafetyRisk        = "safety_risk_path"
	ReasonABTest            = "ab_test"
	ReasonBanditPolicy      = "bandit_policy"
	ReasonNoEngineAvailable = "no_engine_available"
)

// Engine routing labels consumed by the fast-path rules.
const (
	LabelFast           = "fast"
	LabelEmpathetic     = "empathetic"
	LabelPrecise        = "precise"
	LabelConversational = "conversational"
)

// DefaultMaintenanceInterval paces the health sweep and the in-memory
// cleanup passes.
const DefaultMaintenanceInterval = 30 * time.Second

// healthProbeTimeout bounds one provider health probe.
const healthProbeTimeout = 5 * time.Second

// Config wires a Broker. Catalog and Providers are required; nil
// components get working defaults (in-memory state, documented
// thresholds).
type Config struct {
	Catalog   *catalog.Catalog
	Providers map[string]Provider

	Breakers     *routing.BreakerSet
	LoadBalancer *routing.LoadBalancer
	ABTests      *routing.ABTestManager
	Bandit       *policy.Bandit
	Limiter      *ratelimit.Limiter
	Budget       *budget.Enforcer

	Hedging HedgeConfig

	MaintenanceInterval time.Duration
}

// Broker is the orchestrating facade over the routing core.
type Broker struct {
	catalog   *catalog.Catalog
	providers map[string]Provider

	breakers *routing.BreakerSet
	lb       *routing.LoadBalancer
	ab       *routing.ABTestManager
	bandit   *policy.Bandit
	limiter  *ratelimit.Limiter
	budget   *budget.Enforcer
	pipeline *routing.Pipeline
	hedger   *HedgingExecutor

	healthy  map[string]bool
	healthMu sync.RWMutex

	maintInterval   time.Duration
	cancelMaintLoop context.CancelFunc

	log *logger.Logger
}

// New builds a Broker, defaulting any component left nil.
func New(cfg Config) (*Broker, error) {
	if cfg.Catalog == nil || cfg.Catalog.Len() == 0 {
		return nil, fmt.Errorf("broker requires a non-empty catalog")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("broker requires providers for the catalog engines")
	}
	for _, id := range cfg.Catalog.ListIDs() {
		if _, ok := cfg.Providers[id]; !ok {
			return nil, fmt.Errorf("no provider for engine %q", id)
		}
	}

	if cfg.Breakers == nil {
		cfg.Breakers = routing.NewBreakerSet(routing.BreakerConfig{})
	}
	if cfg.LoadBalancer == nil {
		cfg.LoadBalancer = routing.NewLoadBalancer(nil)
	}
	if cfg.ABTests == nil {
		cfg.ABTests = routing.NewABTestManager(routing.ABTestManagerConfig{}, nil)
	}
	if cfg.Bandit == nil {
		cfg.Bandit = policy.NewBandit(policy.Weights{}, nil)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(nil, nil)
	}
	if cfg.Budget == nil {
		cfg.Budget = budget.NewEnforcer(budget.Config{})
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}

	b := &Broker{
		catalog:       cfg.Catalog,
		providers:     cfg.Providers,
		breakers:      cfg.Breakers,
		lb:            cfg.LoadBalancer,
		ab:            cfg.ABTests,
		bandit:        cfg.Bandit,
		limiter:       cfg.Limiter,
		budget:        cfg.Budget,
		pipeline:      routing.NewPipeline(cfg.Breakers, cfg.LoadBalancer, cfg.ABTests),
		hedger:        NewHedgingExecutor(cfg.Hedging, nil),
		healthy:       make(map[string]bool),
		maintInterval: cfg.MaintenanceInterval,
		log:           logger.New("broker"),
	}
	return b, nil
}

// Budget exposes the budget enforcer (for the ops surface).
func (b *Broker) Budget() *budget.Enforcer { return b.budget }

// Breakers exposes the breaker set (for the ops surface).
func (b *Broker) Breakers() *routing.BreakerSet { return b.breakers }

// ABTests exposes the experiment manager.
func (b *Broker) ABTests() *routing.ABTestManager { return b.ab }

// Route picks an engine for the classified request. The fast-path rules
// run in fixed priority order; requests matching none of them go through
// the routing pipeline and the bandit. Route never fails: with no viable
// engine it returns a decision with an empty EngineID and a
// no-engine reason.
func (b *Broker) Route(ctx context.Context, features classifier.RequestFeatures, userID string) *RoutingDecision {
	decision := b.route(ctx, features, userID)
	decision.ClassKey = features.ClassKey()

	metrics.RoutingDecisions.WithLabelValues(decision.EngineID, decision.Reason).Inc()
	fields := map[string]interface{}{
		"engine":    decision.EngineID,
		"reason":    decision.Reason,
		"class_key": decision.ClassKey,
	}
	if decision.ABTestID != "" {
		fields["ab_test"] = decision.ABTestID
	}
	if len(decision.Scores) > 0 {
		fields["scores"] = decision.Scores
	}
	b.log.Info("", "routing decision", fields)
	return decision
}

func (b *Broker) route(ctx context.Context, features classifier.RequestFeatures, userID string) *RoutingDecision {
	// Fast paths: first matching rule wins, highest-priority signal
	// first. Each rule falls through when no healthy engine matches, so
	// a sparse catalog degrades to the general path instead of failing.
	type fastPath struct {
		match  bool
		pick   []*catalog.EngineSpec
		reason string
	}
	rules := []fastPath{
		{features.Urgency >= 3, b.catalog.ListByLabel(LabelFast), ReasonUrgentFastPath},
		{features.IronySarcasm, b.catalog.ListByLabel(LabelEmpathetic), ReasonIronyEmpathetic},
		{features.Ambiguity >= 3, b.catalog.ListByCapability(catalog.CapReasoning), ReasonHighAmbiguity},
		{features.Tone == classifier.ToneSerious && features.Sentiment < 0, b.catalog.ListByLabel(LabelEmpathetic), ReasonSeriousNegative},
		{features.Tone == classifier.ToneFormal && features.PrecisionHint, b.catalog.ListByLabel(LabelPrecise), ReasonFormalPrecision},
		{features.Tone == classifier.ToneRelaxed, b.catalog.ListByLabel(LabelConversational), ReasonRelaxedTone},
		{features.ShortUtterance || features.Streaming, b.catalog.ListByLabel(LabelFast), ReasonShortUtterance},
		{features.HasCodeMarkers, b.catalog.ListByCapability(catalog.CapCode), ReasonCodeMarkers},
		{features.SafetyRisk, b.catalog.ListBySafety(catalog.SafetyHigh), ReasonSafetyRisk},
	}
	for _, rule := range rules {
		if !rule.match {
			continue
		}
		if spec, ok := b.pickPreferred(rule.pick); ok {
			return &RoutingDecision{EngineID: spec.ID, Reason: rule.reason}
		}
	}

	// General path: pipeline filters/reorders, bandit picks.
	candidates := b.generalCandidates(features)
	if len(candidates) == 0 {
		return &RoutingDecision{Reason: ReasonNoEngineAvailable}
	}

	result := b.pipeline.Apply(candidates, userID)
	if len(result.Candidates) == 0 {
		return &RoutingDecision{Reason: ReasonNoEngineAvailable}
	}

	if result.ABTestID != "" {
		return &RoutingDecision{
			EngineID: result.Candidates[0],
			Reason:   ReasonABTest,
			ABTestID: result.ABTestID,
		}
	}

	specs := make([]*catalog.EngineSpec, 0, len(result.Candidates))
	for _, id := range result.Candidates {
		if spec, ok := b.catalog.Get(id); ok {
			specs = append(specs, spec)
		}
	}
	chosen, scores := b.bandit.Choose(ctx, features.ClassKey(), specs, features.SafetyRisk)

	return &RoutingDecision{
		EngineID:      chosen,
		Reason:        ReasonBanditPolicy,
		Scores:        scores,
		HedgeEngineID: runnerUp(chosen, scores),
	}
}

// generalCandidates is the starting candidate set for the general path:
// every live engine, narrowed to streaming-capable ones when the request
// streams and any exist.
func (b *Broker) generalCandidates(features classifier.RequestFeatures) []string {
	var all, streaming []string
	for _, spec := range b.catalog.ListAll() {
		if !b.isHealthy(spec.ID) {
			continue
		}
		all = append(all, spec.ID)
		if spec.HasCapability(catalog.CapStreaming) {
			streaming = append(streaming, spec.ID)
		}
	}
	if features.Streaming && len(streaming) > 0 {
		return streaming
	}
	return all
}

// pickPreferred picks the live engine with the highest priority from the
// specs, keeping catalog order among equals.
func (b *Broker) pickPreferred(specs []*catalog.EngineSpec) (*catalog.EngineSpec, bool) {
	var best *catalog.EngineSpec
	for _, spec := range specs {
		if !b.isHealthy(spec.ID) {
			continue
		}
		if best == nil || spec.Priority > best.Priority {
			best = spec
		}
	}
	return best, best != nil
}

// runnerUp returns the highest-scoring candidate other than chosen, for
// use as the hedge backup. Ties resolve by engine id for determinism.
func runnerUp(chosen string, scores map[string]float64) string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		if id != chosen {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids[0]
}

// Execute runs one attempt against the engine: breaker gate, capacity
// gate, per-engine timeout, outcome recording. It always returns a
// result, never an error.
func (b *Broker) Execute(ctx context.Context, engineID string, messages []Message, opts ChatOptions) *ExecutionResult {
	spec, ok := b.catalog.Get(engineID)
	if !ok {
		return &ExecutionResult{Kind: KindUnknownEngine, EngineID: engineID,
			Error: fmt.Sprintf("engine %q not in catalog", engineID)}
	}

	breaker := b.breakers.Get(engineID)
	if !breaker.CanAttempt() {
		return &ExecutionResult{Kind: KindEngineUnavailable, EngineID: engineID,
			Error: "circuit breaker open"}
	}

	if !b.lb.Acquire(engineID) {
		return &ExecutionResult{Kind: KindEngineUnavailable, EngineID: engineID,
			Error: "engine at capacity"}
	}
	defer b.lb.Release(engineID)

	attemptCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	provider := b.providers[engineID]
	start := time.Now()
	resp, err := provider.Chat(attemptCtx, messages, opts)
	latency := time.Since(start)

	res := &ExecutionResult{EngineID: engineID, Latency: latency}
	switch {
	case err == nil:
		res.Kind = KindOK
		res.Response = resp
	case ctx.Err() != nil:
		// Parent cancellation (budget breach or a hedging loss), not an
		// engine fault.
		res.Kind = KindCancelled
		res.Error = "request cancelled"
	default:
		res.Kind = KindBackendError
		res.Error = err.Error()
	}

	// Parent-cancelled attempts skip both the breaker and the hedging
	// stats: a cancellation says nothing about the engine's health, and
	// counting abandoned hedge losers as failures would poison the
	// failure rate. Losers that complete inside the grace period still
	// record here.
	if res.Kind != KindCancelled {
		if res.Success() {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
		b.hedger.Policy().Observe(engineID, latency, res.Success())
	}
	metrics.ExecutionDuration.WithLabelValues(engineID, fmt.Sprintf("%t", res.Success())).Observe(latency.Seconds())

	return res
}

// ExecuteHedged executes against the primary, racing the backups when
// the adaptive policy flags the primary. When hedging is not warranted
// (or no backups exist) this is a plain Execute with HedgedCount zero.
func (b *Broker) ExecuteHedged(ctx context.Context, primary string, backups []string, messages []Message, opts ChatOptions) *HedgedResult {
	if len(backups) == 0 || !b.hedger.ShouldHedge(primary) {
		res := b.Execute(ctx, primary, messages, opts)
		return &HedgedResult{
			Result:       res,
			WinnerEngine: primary,
			Latencies:    map[string]time.Duration{primary: res.Latency},
		}
	}

	return b.hedger.Execute(ctx, primary, backups, func(attemptCtx context.Context, engineID string) *ExecutionResult {
		return b.Execute(attemptCtx, engineID, messages, opts)
	})
}

// RecordFeedback closes the learning loop for one completed request:
// bandit stats keyed by the decision's class key, plus A/B variant
// counters when an experiment made the pick. quality is the caller's
// [0,1] judgment of the response; failures always count as zero reward.
func (b *Broker) RecordFeedback(ctx context.Context, decision *RoutingDecision, res *ExecutionResult, quality float64) {
	if decision == nil || res == nil || res.EngineID == "" {
		return
	}

	reward := 0.0
	if res.Success() {
		reward = quality
	}
	b.bandit.Update(ctx, decision.ClassKey, res.EngineID, reward, res.Latency, res.Success())

	if decision.ABTestID != "" {
		b.ab.RecordResult(decision.ABTestID, res.EngineID, res.Success(), res.Latency)
	}
}

// Request is one inbound serving request.
type Request struct {
	RequestID string      `json:"request_id"`
	UserID    string      `json:"user_id"`
	ClientIP  string      `json:"client_ip,omitempty"`
	Text      string      `json:"text"`
	Intent    string      `json:"intent,omitempty"`
	Stream    bool        `json:"stream,omitempty"`
	Messages  []Message   `json:"messages,omitempty"`
	Options   ChatOptions `json:"options,omitempty"`

	// Quality, when set, is the caller's response-quality signal fed to
	// the learning loop. Zero means "use the default of 1 on success".
	Quality float64 `json:"quality,omitempty"`
}

func (r Request) messages() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{{Role: "user", Content: r.Text}}
}

// Serve is the full request lifecycle: admission, classification,
// routing, budgeted execution, feedback. It always returns a decision
// (possibly with an empty engine) and a result.
func (b *Broker) Serve(ctx context.Context, req Request) (*ExecutionResult, *RoutingDecision) {
	// Admission runs before any work: global, then per-user, then
	// per-IP.
	if res, limited := b.admit(ctx, req); limited {
		return res, &RoutingDecision{Reason: "rate_limited"}
	}

	features := classifier.Classify(req.Text, req.Intent, req.Stream)

	// Per-class admission needs the class key, so it runs after
	// classification.
	if lr := b.limiter.Check(ctx, ratelimit.ScopeClass, features.ClassKey()); !lr.Allowed {
		return &ExecutionResult{Kind: KindRateLimited, Error: "class rate limit exceeded"},
			&RoutingDecision{Reason: "rate_limited", ClassKey: features.ClassKey()}
	}

	requestID := b.budget.Begin(req.RequestID)
	defer b.budget.End(requestID)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.budget.Register(requestID, cancel)

	decision := b.Route(reqCtx, features, req.UserID)
	if decision.EngineID == "" {
		return &ExecutionResult{Kind: KindEngineUnavailable, Error: "no engine available"}, decision
	}

	var backups []string
	if decision.HedgeEngineID != "" {
		backups = []string{decision.HedgeEngineID}
	}

	hedged := b.ExecuteHedged(reqCtx, decision.EngineID, backups, req.messages(), req.Options)
	res := hedged.Result
	if res.Success() {
		b.budget.MarkTTFT(requestID)
	}

	// A budget breach overrides the attempt-level cancellation kind so
	// callers see why the request died.
	if b.budget.CheckTotal(requestID) || b.budget.Cancelled(requestID) {
		res = &ExecutionResult{
			Kind:     KindBudgetExceeded,
			EngineID: res.EngineID,
			Latency:  res.Latency,
			Error:    "request budget exceeded",
		}
		b.RecordFeedback(ctx, decision, res, 0)
		return res, decision
	}

	quality := req.Quality
	if quality == 0 {
		quality = 1
	}
	b.RecordFeedback(ctx, decision, res, quality)

	return res, decision
}

// admit runs the pre-classification rate limit checks.
func (b *Broker) admit(ctx context.Context, req Request) (*ExecutionResult, bool) {
	if lr := b.limiter.Check(ctx, ratelimit.ScopeGlobal, "global"); !lr.Allowed {
		return &ExecutionResult{Kind: KindRateLimited, Error: "global rate limit exceeded"}, true
	}
	if req.UserID != "" {
		if lr := b.limiter.Check(ctx, ratelimit.ScopeUser, req.UserID); !lr.Allowed {
			return &ExecutionResult{Kind: KindRateLimited, Error: "user rate limit exceeded"}, true
		}
	}
	if req.ClientIP != "" {
		if lr := b.limiter.Check(ctx, ratelimit.ScopeIP, req.ClientIP); !lr.Allowed {
			return &ExecutionResult{Kind: KindRateLimited, Error: "ip rate limit exceeded"}, true
		}
	}
	return nil, false
}

// isHealthy reports the last health sweep's verdict; engines never
// probed yet count as healthy.
func (b *Broker) isHealthy(engineID string) bool {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	healthy, probed := b.healthy[engineID]
	return !probed || healthy
}

// EngineStatus is one engine's ops-surface view.
type EngineStatus struct {
	EngineID string                  `json:"engine_id"`
	Healthy  bool                    `json:"healthy"`
	InFlight int                     `json:"in_flight"`
	Breaker  routing.BreakerSnapshot `json:"breaker"`
}

// EngineStatuses returns the ops view of every engine, catalog order.
func (b *Broker) EngineStatuses() []EngineStatus {
	out := make([]EngineStatus, 0, b.catalog.Len())
	for _, id := range b.catalog.ListIDs() {
		out = append(out, EngineStatus{
			EngineID: id,
			Healthy:  b.isHealthy(id),
			InFlight: b.lb.InFlight(id),
			Breaker:  b.breakers.Get(id).Snapshot(),
		})
	}
	return out
}

// StartMaintenance launches the background loops: budget monitor plus
// the periodic health sweep / state cleanup.
func (b *Broker) StartMaintenance(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancelMaintLoop = cancel

	b.budget.Start(ctx)
	b.sweepHealth(ctx)

	go func() {
		ticker := time.NewTicker(b.maintInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepHealth(ctx)
				b.lb.Cleanup()
				b.ab.ExpireSweep()
			}
		}
	}()
}

// Stop halts the maintenance loops.
func (b *Broker) Stop() {
	if b.cancelMaintLoop != nil {
		b.cancelMaintLoop()
	}
	b.budget.Stop()
}

// sweepHealth probes every provider and records the verdicts.
func (b *Broker) sweepHealth(ctx context.Context) {
	for id, provider := range b.providers {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		healthy := provider.Health(probeCtx)
		cancel()

		b.healthMu.Lock()
		was, probed := b.healthy[id]
		b.healthy[id] = healthy
		b.healthMu.Unlock()

		if probed && was != healthy {
			b.log.Warn("", "engine health changed", map[string]interface{}{
				"engine":  id,
				"healthy": healthy,
			})
		}
	}
}
