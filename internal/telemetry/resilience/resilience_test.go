package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailuresThenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)

	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}

	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)

	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}

func TestRetrySucceedsWithoutExhaustingAttempts(t *testing.T) {
	calls := 0
	out, err := Retry(context.Background(), 3, time.Millisecond, func() (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected ok, got %q", out)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryReturnsLastErrorOnExhaustion(t *testing.T) {
	calls := 0
	sentinel := errors.New("always fails")
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (string, error) {
		calls++
		return "", sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryAbortsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 3, time.Second, func() (string, error) {
		return "", errors.New("fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
