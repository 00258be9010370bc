package otelinit

import (
	"context"
	"testing"
	"time"
)

func TestInitMetricsProvidesWorkingInstruments(t *testing.T) {
	ctx := context.Background()
	shutdown, instruments := InitMetrics(ctx, "test-service")
	instruments.RetryAttempts.Add(ctx, 1)
	instruments.CircuitOpenTransitions.Add(ctx, 1)
	_ = shutdown(ctx) // no collector in the test environment; must not panic
}

func TestInitTracerReturnsASafelyCallableShutdown(t *testing.T) {
	ctx := context.Background()
	shutdown := InitTracer(ctx, "test-service")
	// no collector is running in the test environment; the gRPC dial is
	// lazy, so InitTracer succeeds regardless and shutdown must still be
	// safely callable without blocking on a connection that never completes.
	doneCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = shutdown(doneCtx)
}

func TestFlushNeverBlocksPastItsDeadline(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	Flush(context.Background(), slow)
}
