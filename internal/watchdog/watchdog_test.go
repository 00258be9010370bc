package watchdog

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

func newTestStore(t *testing.T) *store.TaskStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	audit := store.NewAuditLog(db)
	ts, err := store.NewTaskStore(db, audit, noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	return ts
}

func leaseExpiredTask(t *testing.T, ts *store.TaskStore, maxAttempts int) task.Task {
	t.Helper()
	ctx := context.Background()
	created, err := ts.Create(ctx, store.CreateTaskInput{Type: "chat", MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	leased, err := ts.Transition(ctx, created.ID, task.StatusInProgress, task.TransitionContext{
		LeaseOwner: "worker-a",
		LeaseTTL:   -time.Hour, // already expired
	}, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	return leased
}

func TestSweepRequeuesWithinAttemptBudget(t *testing.T) {
	ts := newTestStore(t)
	leased := leaseExpiredTask(t, ts, 5)

	w := New(ts, Config{GracePeriod: 0, Policy: PolicyRequeue}, noopmetric.MeterProvider{}.Meter("test"), slog.Default())
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, ok, _ := ts.Get(context.Background(), leased.ID)
	if !ok {
		t.Fatalf("task missing")
	}
	if got.Status != task.StatusPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count=1, got %d", got.AttemptCount)
	}
	if got.LeaseOwner != nil {
		t.Fatalf("expected lease to be cleared")
	}
}

func TestSweepBlocksWhenAttemptsExhausted(t *testing.T) {
	ts := newTestStore(t)
	leased := leaseExpiredTask(t, ts, 1)

	w := New(ts, Config{GracePeriod: 0, Policy: PolicyRequeue}, noopmetric.MeterProvider{}.Meter("test"), slog.Default())
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _, _ := ts.Get(context.Background(), leased.ID)
	if got.Status != task.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", got.Status)
	}
}

func TestSweepIgnoresUnexpiredLeases(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()
	created, _ := ts.Create(ctx, store.CreateTaskInput{Type: "chat", MaxAttempts: 5})
	leased, err := ts.Transition(ctx, created.ID, task.StatusInProgress, task.TransitionContext{
		LeaseOwner: "worker-a",
		LeaseTTL:   time.Hour,
	}, "worker-a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	w := New(ts, Config{GracePeriod: 0}, noopmetric.MeterProvider{}.Meter("test"), slog.Default())
	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _, _ := ts.Get(ctx, leased.ID)
	if got.Status != task.StatusInProgress {
		t.Fatalf("expected lease to remain IN_PROGRESS, got %s", got.Status)
	}
}

func TestSweepFiresOnlyOncePerExpiry(t *testing.T) {
	ts := newTestStore(t)
	leased := leaseExpiredTask(t, ts, 5)

	w := New(ts, Config{GracePeriod: 0, Policy: PolicyRequeue}, noopmetric.MeterProvider{}.Meter("test"), slog.Default())
	ctx := context.Background()
	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("sweep 1: %v", err)
	}
	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("sweep 2: %v", err)
	}

	got, _, _ := ts.Get(ctx, leased.ID)
	if got.AttemptCount != 1 {
		t.Fatalf("expected exactly one recovery to have fired, attempt_count=%d", got.AttemptCount)
	}
}
