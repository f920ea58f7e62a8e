package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_BeginDrainOnce(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() {
		t.Fatalf("new lifecycle should not be draining")
	}
	if !l.DrainingSince().IsZero() {
		t.Fatalf("DrainingSince should be zero before drain")
	}

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !l.BeginDrain(at) {
		t.Fatalf("first BeginDrain should report true")
	}
	if l.BeginDrain(at.Add(time.Minute)) {
		t.Fatalf("second BeginDrain should report false")
	}
	if !l.IsDraining() {
		t.Fatalf("expected draining")
	}
	if got := l.DrainingSince(); !got.Equal(at) {
		t.Fatalf("DrainingSince=%v, want %v", got, at)
	}
}

func TestLifecycle_NilIsSafe(t *testing.T) {
	var l *Lifecycle
	if l.BeginDrain(time.Now()) || l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatalf("nil lifecycle should be inert")
	}
}
