package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	attempts := 0
	err := p.Do(context.Background(), "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("want 3 attempts, got %d", attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	p := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1}
	attempts := 0
	err := p.Do(context.Background(), "op", func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 { // initial try + 2 retries
		t.Errorf("want 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnNonRetriable(t *testing.T) {
	sentinel := errors.New("fatal")
	p := Policy{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		Retriable:    func(err error) bool { return !errors.Is(err, sentinel) },
	}
	attempts := 0
	err := p.Do(context.Background(), "op", func() error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("non-retriable error should stop after 1 attempt, got %d", attempts)
	}
}

func TestCircuitBreakerTripsAndHalfOpens(t *testing.T) {
	b := NewCircuitBreaker(2, 10*time.Millisecond)
	if !b.Allow() {
		t.Fatal("fresh breaker should be closed")
	}
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatalf("one failure should not trip threshold 2, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("want Open after threshold failures, got %v", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should not allow calls before cooldown")
	}
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker should half-open after cooldown")
	}
	if b.State() != HalfOpen {
		t.Errorf("want HalfOpen, got %v", b.State())
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("success in half-open should close breaker, got %v", b.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, time.Millisecond)
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("should half-open")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("failure while half-open should reopen, got %v", b.State())
	}
}
