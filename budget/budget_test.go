// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEnforcer(cfg Config) (*Enforcer, *time.Time) {
	e := NewEnforcer(cfg)
	current := time.Now()
	e.now = func() time.Time { return current }
	return e, &current
}

func TestBeginGeneratesID(t *testing.T) {
	e, _ := newTestEnforcer(Config{})

	id := e.Begin("")
	if id == "" {
		t.Fatal("Begin returned empty id")
	}
	if e.Active() != 1 {
		t.Errorf("Active() = %d, want 1", e.Active())
	}

	e.End(id)
	if e.Active() != 0 {
		t.Errorf("Active() = %d after End, want 0", e.Active())
	}
}

func TestCheckTotalBreach(t *testing.T) {
	e, current := newTestEnforcer(Config{Total: time.Minute})
	id := e.Begin("req-1")

	if e.CheckTotal(id) {
		t.Error("breach reported before the deadline")
	}

	*current = current.Add(61 * time.Second)
	if !e.CheckTotal(id) {
		t.Error("breach not reported after the deadline")
	}

	// Repeated checks keep reporting the breach.
	if !e.CheckTotal(id) {
		t.Error("second check after breach returned false")
	}
}

func TestCheckTTFT(t *testing.T) {
	e, current := newTestEnforcer(Config{TTFT: 10 * time.Second, Total: time.Minute})
	id := e.Begin("req-1")

	*current = current.Add(11 * time.Second)
	if !e.CheckTTFT(id) {
		t.Error("TTFT breach not reported")
	}
}

func TestMarkTTFTDisarmsCheck(t *testing.T) {
	e, current := newTestEnforcer(Config{TTFT: 10 * time.Second, Total: time.Minute})
	id := e.Begin("req-1")

	e.MarkTTFT(id)
	*current = current.Add(30 * time.Second)
	if e.CheckTTFT(id) {
		t.Error("TTFT breach reported after the first token arrived")
	}
	if e.Cancelled(id) {
		t.Error("request cancelled despite TTFT being satisfied")
	}
}

func TestCancellationIsExactlyOnce(t *testing.T) {
	e, current := newTestEnforcer(Config{Total: time.Minute})
	id := e.Begin("req-1")

	var fired int64
	for i := 0; i < 3; i++ {
		e.Register(id, func() { atomic.AddInt64(&fired, 1) })
	}

	*current = current.Add(2 * time.Minute)
	e.CheckTotal(id)
	e.CheckTotal(id)
	e.Cancel(id)

	if got := atomic.LoadInt64(&fired); got != 3 {
		t.Errorf("cancel funcs fired %d times, want exactly 3 (once each)", got)
	}
	if !e.Cancelled(id) {
		t.Error("Cancelled() = false after breach")
	}
}

func TestRegisterAfterCancelFiresImmediately(t *testing.T) {
	e, _ := newTestEnforcer(Config{})
	id := e.Begin("req-1")
	e.Cancel(id)

	var fired bool
	e.Register(id, func() { fired = true })
	if !fired {
		t.Error("task registered after cancellation was not cancelled")
	}
}

func TestRegisterUnknownRequestFiresImmediately(t *testing.T) {
	e, _ := newTestEnforcer(Config{})

	var fired bool
	e.Register("never-began", func() { fired = true })
	if !fired {
		t.Error("task registered against unknown request was not cancelled")
	}
}

func TestCheckUnknownRequest(t *testing.T) {
	e, _ := newTestEnforcer(Config{})
	if e.CheckTotal("missing") || e.CheckTTFT("missing") {
		t.Error("checks on unknown requests must report no breach")
	}
	if e.Cancelled("missing") {
		t.Error("unknown request reported cancelled")
	}
}

func TestMonitorSweepCancels(t *testing.T) {
	e := NewEnforcer(Config{
		TTFT:         50 * time.Millisecond,
		Total:        50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	e.Start(context.Background())
	defer e.Stop()

	id := e.Begin("req-1")
	cancelled := make(chan struct{})
	e.Register(id, func() { close(cancelled) })

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not cancel a breached request")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	e, _ := newTestEnforcer(Config{})
	id := e.Begin("req-1")
	e.End(id)
	e.End(id)
	if e.Active() != 0 {
		t.Errorf("Active() = %d, want 0", e.Active())
	}
}
