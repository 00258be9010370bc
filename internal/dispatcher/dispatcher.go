// Package dispatcher implements the long-running loop that leases pending
// tasks under WIP limits, invokes a pluggable execution adapter, applies its
// gates, and maps the outcome back onto the task state machine. Grounded on
// the teacher's MultiTaskExecutor routing (task_executor.go) for the
// adapter-selection shape and its CancellationManager (cancellation.go) for
// in-flight tracking, generalized to the five-state lifecycle and lease CAS
// this spec describes instead of the teacher's single-shot workflow runs.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/gate"
	"github.com/flowkeeper/kernel/internal/kernelerr"
	"github.com/flowkeeper/kernel/internal/queue"
	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

// Cost is the optional token/dollar accounting an adapter may report.
type Cost struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	USD          float64
}

// Result is what Adapter.Execute returns for one attempt.
type Result struct {
	Output       string
	Structured   interface{}
	FilesChanged []string
	Diff         string
	ExitCode     int
	DurationMs   int64
	Cost         *Cost
}

// RetryContext carries the attempt number and any compiled feedback from a
// previous failed attempt, mirroring the retry engine's AttemptContext.
type RetryContext struct {
	Attempt  int
	Feedback string
}

// Adapter is the pluggable execution capability the dispatcher drives. Shell,
// subprocess, and HTTP-LLM adapters all implement this; the dispatcher core
// never knows their concrete shape.
type Adapter interface {
	Name() string
	TaskTypes() []string
	CanHandle(t task.Task) bool
	Execute(ctx context.Context, t task.Task, rctx RetryContext) (Result, error)
	Abort(ctx context.Context, taskID string) error
}

// WipLimits maps a task type to its maximum concurrent IN_PROGRESS count; the
// "default" key is the fallback for unconfigured types.
type WipLimits map[string]int

const defaultWipSlot = "default"

// Config bundles the dispatcher's tunables, sourced from internal/config.
type Config struct {
	WipLimits       WipLimits
	LeaseTTL        time.Duration
	PollInterval    time.Duration
	HeartbeatPeriod time.Duration
}

// Dispatcher is the single long-running loop in this kernel that leases
// tasks: it is the only component that ever takes a lease.
type Dispatcher struct {
	tasks    *store.TaskStore
	gates    map[string][]gate.Def // task type -> post-execution gates
	adapters []Adapter
	cfg      Config

	logger *slog.Logger
	tracer trace.Tracer

	leaseCounter     metric.Int64Counter
	dispatchCounter  metric.Int64Counter
	outcomeCounter   metric.Int64Counter

	mu        sync.Mutex
	inFlight  map[string]context.CancelFunc // taskID -> heartbeat cancel
}

func New(tasks *store.TaskStore, adapters []Adapter, gates map[string][]gate.Def, cfg Config, meter metric.Meter, logger *slog.Logger) *Dispatcher {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		tasks:    tasks,
		gates:    gates,
		adapters: adapters,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("flowkeeper/dispatcher"),
		inFlight: make(map[string]context.CancelFunc),
	}
	d.leaseCounter, _ = meter.Int64Counter("flowkeeper_dispatcher_leases_total")
	d.dispatchCounter, _ = meter.Int64Counter("flowkeeper_dispatcher_dispatches_total")
	d.outcomeCounter, _ = meter.Int64Counter("flowkeeper_dispatcher_outcomes_total")
	return d
}

// Run ticks the dispatcher on PollInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Warn("dispatcher tick failed", "error", err)
			}
		}
	}
}

// Tick runs one lease-and-dispatch pass: list ready tasks, filter by WIP,
// pick an adapter, win the lease CAS, and hand the task off to runTask.
func (d *Dispatcher) Tick(ctx context.Context) error {
	ready, err := queue.Ready(ctx, d.tasks)
	if err != nil {
		return fmt.Errorf("list ready tasks: %w", err)
	}

	wip, err := d.currentWIP(ctx)
	if err != nil {
		return fmt.Errorf("count wip: %w", err)
	}

	for _, t := range ready {
		limit := d.wipLimitFor(t.Type)
		if wip[t.Type] >= limit {
			continue
		}

		adapter := d.pickAdapter(t)
		if adapter == nil {
			continue
		}

		owner := fmt.Sprintf("%s:%s", adapter.Name(), store.NewOpaqueID())
		leased, err := d.tasks.Transition(ctx, t.ID, task.StatusInProgress, task.TransitionContext{
			LeaseOwner: owner,
			LeaseTTL:   d.cfg.LeaseTTL,
		}, adapter.Name())
		if err != nil {
			// Another dispatcher tick (or another process) won the lease CAS
			// first; this is the expected, non-erroring outcome of racing.
			continue
		}

		if d.leaseCounter != nil {
			d.leaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.Type)))
		}
		wip[t.Type]++

		go d.runTask(context.WithoutCancel(ctx), adapter, leased, owner)
	}

	return nil
}

func (d *Dispatcher) currentWIP(ctx context.Context) (map[string]int, error) {
	inProgress, err := d.tasks.List(ctx, store.TaskFilter{Status: task.StatusInProgress})
	if err != nil {
		return nil, err
	}
	wip := make(map[string]int)
	for _, t := range inProgress {
		wip[t.Type]++
	}
	return wip, nil
}

func (d *Dispatcher) wipLimitFor(taskType string) int {
	if limit, ok := d.cfg.WipLimits[taskType]; ok {
		return limit
	}
	if limit, ok := d.cfg.WipLimits[defaultWipSlot]; ok {
		return limit
	}
	return 1
}

func (d *Dispatcher) pickAdapter(t task.Task) Adapter {
	for _, a := range d.adapters {
		if a.CanHandle(t) {
			return a
		}
	}
	return nil
}

// runTask owns one leased task end to end: it starts a heartbeat, invokes
// the adapter, applies the configured gates to the result, and transitions
// the row to its outcome state. It never returns an error to a caller — any
// failure becomes an audited transition or a swallowed LeaseExpiredError.
func (d *Dispatcher) runTask(ctx context.Context, adapter Adapter, t task.Task, owner string) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.runTask", trace.WithAttributes(
		attribute.String("task_id", t.ID),
		attribute.String("adapter", adapter.Name()),
	))
	defer span.End()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	d.mu.Lock()
	d.inFlight[t.ID] = stopHeartbeat
	d.mu.Unlock()
	go d.heartbeat(hbCtx, t.ID, owner)

	defer func() {
		stopHeartbeat()
		d.mu.Lock()
		delete(d.inFlight, t.ID)
		d.mu.Unlock()
	}()

	if d.dispatchCounter != nil {
		d.dispatchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.Type)))
	}

	result, execErr := adapter.Execute(ctx, t, RetryContext{Attempt: t.AttemptCount + 1})
	if execErr != nil {
		d.failExecution(ctx, t, owner, execErr.Error())
		return
	}

	if result.ExitCode != 0 {
		d.failExecution(ctx, t, owner, fmt.Sprintf("adapter exited with code %d", result.ExitCode))
		return
	}

	gateResults := gate.Run(ctx, d.gates[t.Type], result.Structured, result.Output, gate.RunAll)
	failed := anyFailed(gateResults)
	if failed {
		d.failExecution(ctx, t, owner, compileGateReasons(gateResults))
		return
	}

	_, err := d.tasks.Transition(ctx, t.ID, task.StatusReview, task.TransitionContext{
		Result:             result.Output,
		EvidenceRef:        result.Diff,
		ExpectedLeaseOwner: owner,
	}, adapter.Name())
	if err != nil {
		d.logTransitionFailure(ctx, t.ID, owner, err)
		return
	}
	if d.outcomeCounter != nil {
		d.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "review")))
	}
}

// failExecution maps a failed execution onto IN_PROGRESS→PENDING (if
// attempts remain) or IN_PROGRESS→BLOCKED.
func (d *Dispatcher) failExecution(ctx context.Context, t task.Task, owner, reason string) {
	to := task.StatusBlocked
	if t.AttemptCount+1 < t.MaxAttempts {
		to = task.StatusPending
	}
	_, err := d.tasks.Transition(ctx, t.ID, to, task.TransitionContext{
		LastError:          reason,
		ExpectedLeaseOwner: owner,
	}, owner)
	if err != nil {
		d.logTransitionFailure(ctx, t.ID, owner, err)
		return
	}
	if d.outcomeCounter != nil {
		d.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(to))))
	}
}

func (d *Dispatcher) logTransitionFailure(ctx context.Context, taskID, owner string, err error) {
	var leaseErr *kernelerr.LeaseExpiredError
	if ok := asLeaseExpired(err, &leaseErr); ok {
		// The watchdog already recovered this row; this adapter's result is
		// stale and is dropped, matching the lease-expiry + requeue scenario.
		d.logger.Info("dropped stale adapter result, lease no longer owned", "task_id", taskID, "owner", owner)
		return
	}
	d.logger.Warn("transition after adapter execution failed", "task_id", taskID, "owner", owner, "error", err)
}

func asLeaseExpired(err error, target **kernelerr.LeaseExpiredError) bool {
	le, ok := err.(*kernelerr.LeaseExpiredError)
	if ok {
		*target = le
	}
	return ok
}

// heartbeat refreshes the lease's expiry every HeartbeatPeriod. It aborts
// silently once the row's lease_owner no longer matches owner, meaning the
// watchdog already reclaimed the row.
func (d *Dispatcher) heartbeat(ctx context.Context, taskID, owner string) {
	ticker := time.NewTicker(d.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := d.tasks.Update(ctx, taskID, owner, "heartbeat", func(t *task.Task) error {
				if t.LeaseOwner == nil || *t.LeaseOwner != owner {
					return fmt.Errorf("lease for %s no longer held by %s", taskID, owner)
				}
				expires := time.Now().UTC().Add(d.cfg.LeaseTTL)
				t.LeaseExpiresAt = &expires
				return nil
			})
			if err != nil {
				return
			}
		}
	}
}

// Abort cancels an in-flight task's heartbeat and asks its adapter to stop;
// the adapter's own eventual transition attempt will no-op or fail once the
// lease is released.
func (d *Dispatcher) Abort(ctx context.Context, adapter Adapter, taskID string) error {
	d.mu.Lock()
	if cancel, ok := d.inFlight[taskID]; ok {
		cancel()
	}
	d.mu.Unlock()
	return adapter.Abort(ctx, taskID)
}

func anyFailed(results []gate.Result) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

func compileGateReasons(results []gate.Result) string {
	reason := ""
	for _, r := range results {
		if r.Passed {
			continue
		}
		if reason != "" {
			reason += "; "
		}
		reason += fmt.Sprintf("%s: %s", r.GateName, r.Reason)
	}
	if reason == "" {
		reason = "gate failure"
	}
	return reason
}
