package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnRateLimits(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	if cb.OnError(errors.New("plain")) {
		t.Fatalf("plain errors should not count by default")
	}
	if cb.OnError(RateLimitError{Provider: "groq"}) {
		t.Fatalf("breaker opened too early")
	}
	if !cb.OnError(RateLimitError{Provider: "groq"}) {
		t.Fatalf("expected breaker to open at threshold")
	}
	if cb.Allow() {
		t.Fatalf("expected breaker to refuse while open")
	}
	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected breaker to allow after cooldown")
	}
}

func TestCircuitBreakerCountAll(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute).CountAll()
	if !cb.OnError(errors.New("dial tcp: refused")) {
		t.Fatalf("expected any error to open breaker")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected success to reset breaker")
	}
}

func TestRetryPolicyStopsOnRateLimit(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func() error {
		calls++
		return RateLimitError{Provider: "elevenlabs", Message: "429"}
	})
	if !IsRateLimit(err) || calls != 1 {
		t.Fatalf("expected single rate-limited attempt, got %d calls err=%v", calls, err)
	}
}

func TestRetryPolicyEventuallySucceeds(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %d calls err=%v", calls, err)
	}
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRetryPolicy(5, time.Hour).Do(ctx, func() error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
