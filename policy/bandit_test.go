// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"routegate/catalog"
	"routegate/store"
)

const classKey = "general|en|short|code=false|safety=false|ops=false|tone=neutral"

func specs() []*catalog.EngineSpec {
	return []*catalog.EngineSpec{
		{ID: "cheap", Kind: catalog.ProviderSMX, Model: "m", CostPer1K: 0.0004, Safety: catalog.SafetyLow},
		{ID: "pricey", Kind: catalog.ProviderSMX, Model: "m", CostPer1K: 0.004, Safety: catalog.SafetyHigh},
	}
}

func TestChooseColdStartPrefersCheaper(t *testing.T) {
	b := NewBandit(Weights{}, nil)

	// With no history the success priors are identical; cost is the only
	// differentiator.
	chosen, scores := b.Choose(context.Background(), classKey, specs(), false)
	if chosen != "cheap" {
		t.Errorf("chosen = %s, want cheap (scores %v)", chosen, scores)
	}
	if len(scores) != 2 {
		t.Errorf("scores = %v, want one per candidate", scores)
	}
}

func TestChooseEmptyCandidates(t *testing.T) {
	b := NewBandit(Weights{}, nil)
	chosen, scores := b.Choose(context.Background(), classKey, nil, false)
	if chosen != "" || scores != nil {
		t.Errorf("Choose(nil) = (%q, %v), want empty", chosen, scores)
	}
}

func TestUpdateShiftsSelection(t *testing.T) {
	b := NewBandit(Weights{}, nil)
	ctx := context.Background()

	// Feed the pricey engine consistent high-quality successes and the
	// cheap one consistent failures.
	for i := 0; i < 50; i++ {
		b.Update(ctx, classKey, "pricey", 1.0, 100*time.Millisecond, true)
		b.Update(ctx, classKey, "cheap", 0.0, 100*time.Millisecond, false)
	}

	chosen, scores := b.Choose(ctx, classKey, specs(), false)
	if chosen != "pricey" {
		t.Errorf("chosen = %s, want pricey after feedback (scores %v)", chosen, scores)
	}
	if scores["pricey"] <= scores["cheap"] {
		t.Errorf("pricey score %f not above cheap %f", scores["pricey"], scores["cheap"])
	}
}

func TestUpdatePenalizesLatency(t *testing.T) {
	b := NewBandit(Weights{}, nil)
	ctx := context.Background()

	// Identical quality, very different latency.
	for i := 0; i < 50; i++ {
		b.Update(ctx, classKey, "cheap", 1.0, 2*time.Second, true)
		b.Update(ctx, classKey, "pricey", 1.0, 50*time.Millisecond, true)
	}

	_, scores := b.Choose(ctx, classKey, specs(), false)
	if scores["cheap"] >= scores["pricey"] {
		t.Errorf("slow engine scored %f, fast engine %f", scores["cheap"], scores["pricey"])
	}
}

func TestSafetyPenaltyAppliesOnlyUnderRisk(t *testing.T) {
	b := NewBandit(Weights{}, nil)
	ctx := context.Background()

	_, noRisk := b.Choose(ctx, classKey, specs(), false)
	_, risk := b.Choose(ctx, classKey, specs(), true)

	if risk["cheap"] >= noRisk["cheap"] {
		t.Errorf("low-safety engine not penalized under risk: %f vs %f", risk["cheap"], noRisk["cheap"])
	}
	if risk["pricey"] != noRisk["pricey"] {
		t.Errorf("high-safety engine penalized under risk: %f vs %f", risk["pricey"], noRisk["pricey"])
	}
}

func TestClassesAreIndependent(t *testing.T) {
	b := NewBandit(Weights{}, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		b.Update(ctx, "class-one", "cheap", 0.0, time.Second, false)
	}

	// The other class never saw those failures.
	stats := b.Stats(ctx, "class-two", "cheap")
	if stats.B != 1.0 {
		t.Errorf("fresh class prior B = %f, want 1.0", stats.B)
	}
}

func TestUpdateClampsReward(t *testing.T) {
	b := NewBandit(Weights{}, nil)
	ctx := context.Background()

	b.Update(ctx, classKey, "cheap", 5.0, time.Millisecond, true)
	stats := b.Stats(ctx, classKey, "cheap")
	if stats.A != 2.0 {
		t.Errorf("A = %f after clamped reward, want 2.0", stats.A)
	}
	if stats.B != 1.0 {
		t.Errorf("B = %f, want unchanged prior 1.0", stats.B)
	}
}

func TestStatsPersistAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewRedisStoreFromClient(client)
	ctx := context.Background()

	first := NewBandit(Weights{}, st)
	for i := 0; i < 10; i++ {
		first.Update(ctx, classKey, "cheap", 1.0, 80*time.Millisecond, true)
	}
	want := first.Stats(ctx, classKey, "cheap")

	// A fresh instance (restart) loads the same stats lazily.
	second := NewBandit(Weights{}, st)
	got := second.Stats(ctx, classKey, "cheap")
	if got.A != want.A || got.B != want.B {
		t.Errorf("reloaded stats (%f,%f), want (%f,%f)", got.A, got.B, want.A, want.B)
	}
}

func TestStoreOutageFallsBackToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewRedisStoreFromClient(client)
	ctx := context.Background()

	b := NewBandit(Weights{}, st)
	mr.Close()

	// Choosing and updating keep working on local state.
	chosen, _ := b.Choose(ctx, classKey, specs(), false)
	if chosen == "" {
		t.Fatal("Choose returned no engine during store outage")
	}
	b.Update(ctx, classKey, chosen, 1.0, time.Millisecond, true)

	stats := b.Stats(ctx, classKey, chosen)
	if stats.A != 2.0 {
		t.Errorf("A = %f, want 2.0 (local update applied)", stats.A)
	}
}
