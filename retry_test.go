package iotdevice

import (
	"testing"
	"time"
)

func TestNoRetryNeverRetries(t *testing.T) {
	d, ok := (NoRetry{}).ShouldRetry(0, NewUnifiedError(ErrNetworkErrors, "x", nil))
	if ok || d != 0 {
		t.Fatalf("NoRetry.ShouldRetry = (%v, %v), want (0, false)", d, ok)
	}
}

func TestExponentialBackoffStopsOnNonTransient(t *testing.T) {
	b := NewExponentialBackoff()
	_, ok := b.ShouldRetry(0, NewUnifiedError(ErrUnauthorized, "rejected", nil))
	if ok {
		t.Fatal("a non-transient error must never be retried")
	}
}

func TestExponentialBackoffRespectsMaxAttempts(t *testing.T) {
	b := NewExponentialBackoff()
	b.MaxAttempts = 3
	ue := NewUnifiedError(ErrNetworkErrors, "down", nil)

	for attempt := 0; attempt < 3; attempt++ {
		if _, ok := b.ShouldRetry(attempt, ue); !ok {
			t.Fatalf("attempt %d should still be allowed", attempt)
		}
	}
	if _, ok := b.ShouldRetry(3, ue); ok {
		t.Fatal("attempt at MaxAttempts should stop retrying")
	}
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	b := NewExponentialBackoff()
	b.Initial = time.Second
	b.Max = 2 * time.Second
	b.Jitter = false
	ue := NewUnifiedError(ErrNetworkErrors, "down", nil)

	d, ok := b.ShouldRetry(10, ue) // grows well past Max without the cap
	if !ok {
		t.Fatal("expected retry to be allowed")
	}
	if d != b.Max {
		t.Fatalf("delay = %v, want capped at %v", d, b.Max)
	}
}

func TestApplyFloorNeverGoesBelowRetryFloor(t *testing.T) {
	if got := applyFloor(10 * time.Millisecond); got != retryFloor {
		t.Fatalf("applyFloor(10ms) = %v, want %v", got, retryFloor)
	}
	if got := applyFloor(5 * time.Second); got != 5*time.Second {
		t.Fatalf("applyFloor(5s) = %v, want unchanged", got)
	}
}
