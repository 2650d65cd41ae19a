package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	rl := RateLimitError{Provider: "test"}
	cb.OnError(rl)
	if !cb.Allow() {
		t.Fatalf("breaker open below threshold")
	}
	cb.OnError(rl)
	if cb.Allow() {
		t.Fatalf("expected breaker open after threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after success")
	}
}

func TestBreakerIgnoresNonRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errors.New("transient"))
	if !cb.Allow() {
		t.Fatalf("non-ratelimit error must not open breaker")
	}
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := p.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
