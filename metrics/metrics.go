// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors for the routing
// core. Every routing decision, admission verdict, breaker transition,
// and hedge outcome is counted here; the values are exported through the
// promhttp handler mounted by cmd/broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RoutingDecisions counts decisions by chosen engine and reason code.
	RoutingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_routing_decisions_total",
			Help: "Routing decisions by engine and reason code",
		},
		[]string{"engine", "reason"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_breaker_transitions_total",
			Help: "Circuit breaker state transitions by engine",
		},
		[]string{"engine", "from", "to"},
	)

	// BreakerFallbacks counts pipeline fallbacks where every candidate's
	// breaker rejected the attempt and traffic was sent to the first
	// original candidate anyway.
	BreakerFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routegate_routing_breaker_fallback_total",
			Help: "Routing decisions forced past open circuit breakers",
		},
	)

	// RateLimitVerdicts counts admission decisions by scope and outcome.
	RateLimitVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_ratelimit_verdicts_total",
			Help: "Rate limiter verdicts by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	// BudgetVerdicts counts budget checks by kind and outcome.
	BudgetVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_budget_verdicts_total",
			Help: "Budget enforcer verdicts by check kind and outcome",
		},
		[]string{"check", "outcome"},
	)

	// HedgedRequests counts hedged executions by outcome
	// ("primary_fast", "primary_won", "backup_won").
	HedgedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_hedged_requests_total",
			Help: "Hedged executions by outcome",
		},
		[]string{"outcome"},
	)

	// StoreErrors counts admission-control store failures by subsystem.
	// Each increment represents one fail-open (degraded) decision.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_store_errors_total",
			Help: "Admission-control store errors by subsystem",
		},
		[]string{"subsystem"},
	)

	// ExecutionDuration observes engine execution latency.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routegate_execution_duration_seconds",
			Help:    "Engine execution latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine", "success"},
	)
)

func init() {
	prometheus.MustRegister(RoutingDecisions)
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(BreakerFallbacks)
	prometheus.MustRegister(RateLimitVerdicts)
	prometheus.MustRegister(BudgetVerdicts)
	prometheus.MustRegister(HedgedRequests)
	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(ExecutionDuration)
}
