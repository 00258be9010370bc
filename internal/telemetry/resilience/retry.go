// Package resilience carries the ambient, domain-agnostic resilience
// primitives the teacher's libs/go/core/resilience package provides —
// a generic retry-with-jitter helper and an adaptive circuit breaker —
// for use by any external call the kernel makes outside the gate/DAG
// retry engines (adapter HTTP calls, event-bus NATS publishes).
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry runs fn with full-jitter exponential backoff (base delay doubling
// each attempt, capped at 60s), grounded on the teacher's generic
// Retry[T any] helper.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("flowkeeper")
	attemptCounter, _ := meter.Int64Counter("flowkeeper_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("flowkeeper_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("flowkeeper_resilience_retry_fail_total")

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}

		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
