// Package watchdog implements the periodic sweep that recovers tasks whose
// lease has expired without a heartbeat. Grounded on the teacher's
// CancellationManager.StartCleanupLoop (cancellation.go): same
// ticker-driven periodic-sweep-over-a-map shape, here scanning the task
// store's IN_PROGRESS rows instead of an in-memory execution registry.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

// Policy decides what happens to a task whose lease has expired.
type Policy string

const (
	PolicyRequeue Policy = "requeue"
	PolicyBlock   Policy = "block"
)

// Config bundles the watchdog's tunables, sourced from internal/config.
type Config struct {
	SweepInterval time.Duration
	GracePeriod   time.Duration
	Policy        Policy
}

// Watchdog is the only component that revokes leases; it never terminates
// the orphaned adapter process, it only clears the row-level lease so the
// adapter's own eventual transition attempt fails.
type Watchdog struct {
	tasks  *store.TaskStore
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	sweepCounter   metric.Int64Counter
	recoverCounter metric.Int64Counter
}

func New(tasks *store.TaskStore, cfg Config, meter metric.Meter, logger *slog.Logger) *Watchdog {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyRequeue
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watchdog{
		tasks:  tasks,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("flowkeeper/watchdog"),
	}
	w.sweepCounter, _ = meter.Int64Counter("flowkeeper_watchdog_sweeps_total")
	w.recoverCounter, _ = meter.Int64Counter("flowkeeper_watchdog_recoveries_total")
	return w
}

// Run ticks Sweep on cfg.SweepInterval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Warn("watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep scans IN_PROGRESS tasks for expired leases and recovers each one.
// A transition failure for one task is logged and does not interrupt the
// sweep of the remaining rows: the watchdog logs and continues.
func (w *Watchdog) Sweep(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "Watchdog.Sweep")
	defer span.End()

	if w.sweepCounter != nil {
		w.sweepCounter.Add(ctx, 1)
	}

	inProgress, err := w.tasks.List(ctx, store.TaskFilter{Status: task.StatusInProgress})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, t := range inProgress {
		if t.LeaseExpiresAt == nil {
			continue
		}
		if !t.LeaseExpiresAt.Add(w.cfg.GracePeriod).Before(now) {
			continue
		}
		w.recover(ctx, t)
	}
	return nil
}

func (w *Watchdog) recover(ctx context.Context, t task.Task) {
	to := task.StatusBlocked
	if w.cfg.Policy == PolicyRequeue && t.AttemptCount+1 < t.MaxAttempts {
		to = task.StatusPending
	}

	previousOwner := ""
	if t.LeaseOwner != nil {
		previousOwner = *t.LeaseOwner
	}

	_, err := w.tasks.Transition(ctx, t.ID, to, task.TransitionContext{
		LastError: "lease expired",
	}, "watchdog")
	if err != nil {
		w.logger.Warn("watchdog failed to recover expired lease", "task_id", t.ID, "previous_owner", previousOwner, "error", err)
		return
	}

	if w.recoverCounter != nil {
		w.recoverCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
	}
	w.logger.Info("watchdog recovered expired lease",
		"task_id", t.ID, "previous_owner", previousOwner, "expires_at", t.LeaseExpiresAt, "to", to)
}
