package quality

import (
	"testing"
	"time"
)

func TestRecordAttemptSuccessFailureInvariant(t *testing.T) {
	tr := NewTracker(Config{})
	host := "example.com"

	for i := 0; i < 3; i++ {
		tr.RecordAttempt(host)
		tr.RecordSuccess(host, 50, 1024, 100)
	}
	tr.RecordAttempt(host)
	tr.RecordFailure(host, "timeout")

	snap := tr.Snapshot(host)
	if snap.Successes+snap.Failures > snap.Attempts {
		t.Fatalf("successes+failures > attempts: %+v", snap)
	}
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive_failures=1 after one failure, got %d", snap.ConsecutiveFailures)
	}

	tr.RecordAttempt(host)
	tr.RecordSuccess(host, 40, 2048, 80)
	snap = tr.Snapshot(host)
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive_failures=0 after success, got %d", snap.ConsecutiveFailures)
	}
}

func TestCircuitTripsOpenAfterThreshold(t *testing.T) {
	tr := NewTracker(Config{ConsecutiveFailureThreshold: 3, CooldownBase: 50 * time.Millisecond, CooldownMax: time.Second})
	host := "flaky.example.com"

	for i := 0; i < 3; i++ {
		tr.RecordAttempt(host)
		tr.RecordFailure(host, "5xx")
	}
	snap := tr.Snapshot(host)
	if snap.State != Open {
		t.Fatalf("expected Open after 3 consecutive failures, got %v", snap.State)
	}
	if Score(snap) != 0 {
		t.Fatalf("expected score 0 while Open, got %v", Score(snap))
	}

	time.Sleep(60 * time.Millisecond)
	snap = tr.Snapshot(host)
	if snap.State != HalfOpen {
		t.Fatalf("expected HalfOpen after cooldown elapses, got %v", snap.State)
	}

	tr.RecordAttempt(host)
	tr.RecordSuccess(host, 10, 100, 10)
	snap = tr.Snapshot(host)
	if snap.State != Closed {
		t.Fatalf("expected Closed after success in HalfOpen, got %v", snap.State)
	}
}

func TestCircuitReopensWithEscalatedCooldownOnHalfOpenFailure(t *testing.T) {
	tr := NewTracker(Config{ConsecutiveFailureThreshold: 1, CooldownBase: 20 * time.Millisecond, CooldownMax: time.Second})
	host := "escalating.example.com"

	tr.RecordAttempt(host)
	tr.RecordFailure(host, "5xx")
	snap := tr.Snapshot(host)
	if snap.State != Open {
		t.Fatalf("expected Open, got %v", snap.State)
	}
	first := snap.CooldownRemaining

	time.Sleep(25 * time.Millisecond)
	snap = tr.Snapshot(host) // transitions to HalfOpen
	if snap.State != HalfOpen {
		t.Fatalf("expected HalfOpen, got %v", snap.State)
	}

	tr.RecordAttempt(host)
	tr.RecordFailure(host, "5xx")
	snap = tr.Snapshot(host)
	if snap.State != Open {
		t.Fatalf("expected re-open after half-open failure, got %v", snap.State)
	}
	if snap.CooldownRemaining <= first {
		t.Fatalf("expected escalated cooldown, got %v vs first %v", snap.CooldownRemaining, first)
	}
}

func TestScoreWeighting(t *testing.T) {
	tr := NewTracker(Config{})
	host := "fast.example.com"
	for i := 0; i < 10; i++ {
		tr.RecordAttempt(host)
		tr.RecordSuccess(host, 5, 10_000_000, 100) // low latency, high throughput
	}
	snap := tr.Snapshot(host)
	score := Score(snap)
	if score <= 50 {
		t.Fatalf("expected a high score for a fast, reliable host, got %v", score)
	}
}
