package ws

import (
	"testing"
	"time"
)

func TestNextDelayDoublesAndCaps(t *testing.T) {
	cfg := BackoffConfig{Base: 100 * time.Millisecond, Multiplier: 2.0, Max: time.Second}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, want := range expected {
		if got := NextDelay(cfg, i+1, nil); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestNextDelayZeroBase(t *testing.T) {
	if got := NextDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("expected zero delay, got %v", got)
	}
}
