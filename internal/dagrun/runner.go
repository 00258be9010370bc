// Package dagrun is the external dispatcher-like caller internal/dag
// deliberately has no room for: it drives a Run to completion by reading
// its ReadySet, invoking the matching dispatcher.Adapter for each ready
// block's agent, and feeding the result back through Start/Complete/Fail.
// Grounded on the teacher's own dag_engine.go worker-pool loop for the
// overall "pull ready work, execute, feed result back" shape, reworked
// from a fan-out goroutine pool into a single sequential driver per run
// since block execution here is not assumed to be cheap or parallel-safe
// across an entire pipeline the way the teacher's simulated 10ms tasks were.
package dagrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/dag"
	"github.com/flowkeeper/kernel/internal/dispatcher"
	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

// pollInterval bounds how long the driver sleeps between ready-set checks
// while one or more blocks are cooling down on a retry.
const pollInterval = 200 * time.Millisecond

// Runner drives DAG runs to completion against a fixed adapter set.
type Runner struct {
	defs     *store.DAGStore
	engine   *dag.Engine
	adapters []dispatcher.Adapter
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(defs *store.DAGStore, engine *dag.Engine, adapters []dispatcher.Adapter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{defs: defs, engine: engine, adapters: adapters, logger: logger, tracer: otel.Tracer("flowkeeper/dagrun")}
}

func (r *Runner) adapterFor(agent string) (dispatcher.Adapter, bool) {
	probe := task.Task{Type: "dag_block", Backend: agent}
	for _, a := range r.adapters {
		if a.CanHandle(probe) {
			return a, true
		}
	}
	return nil, false
}

// Start parses and persists a new DAG definition version, creates a fresh
// run, and drives it synchronously to completion (or to a stall, if no
// block is ever ready and none is retrying).
func (r *Runner) Start(ctx context.Context, def dag.Definition, runContext map[string]interface{}) (*dag.Run, error) {
	if err := dag.Parse(def); err != nil {
		return nil, fmt.Errorf("parse dag %q: %w", def.ID, err)
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal dag %q: %w", def.ID, err)
	}
	sum := sha256.Sum256(defJSON)
	hash := hex.EncodeToString(sum[:])[:16]
	if _, err := r.defs.PutDefinition(def.ID, hash, string(defJSON)); err != nil {
		return nil, fmt.Errorf("persist dag definition %q: %w", def.ID, err)
	}

	run := dag.NewRun(store.NewOpaqueID(), def, runContext)
	if err := r.persist(def, run); err != nil {
		return nil, err
	}

	return run, r.drive(ctx, def, run)
}

// Resume re-drives an already-persisted run, e.g. after a process restart
// finds runs left in "running" status.
func (r *Runner) Resume(ctx context.Context, def dag.Definition, run *dag.Run) error {
	return r.drive(ctx, def, run)
}

func (r *Runner) drive(ctx context.Context, def dag.Definition, run *dag.Run) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		done, _ := dag.IsComplete(def, run)
		if done {
			return r.persist(def, run)
		}

		ready := dag.ReadySet(def, run)
		if len(ready) == 0 {
			if !r.anyRetrying(run) {
				// nothing ready and nothing cooling down on a retry: either
				// every remaining pending block is permanently blocked by a
				// failed upstream, or an unresolvable input was never going
				// to show up. Persist the stalled state rather than spin
				// forever waiting for something that will never become ready.
				return r.persist(def, run)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		for _, blockID := range ready {
			r.runBlock(ctx, def, run, blockID)
		}
		if err := r.persist(def, run); err != nil {
			return err
		}
	}
}

// anyRetrying reports whether some instance is in the retrying state,
// meaning a ReadySet poll later is worth another look once its cooldown
// elapses. A pending instance that never entered retrying is not waiting
// on anything time-based — it is permanently blocked on an input that
// will never resolve (e.g. a failed upstream), and polling again would
// never help it.
func (r *Runner) anyRetrying(run *dag.Run) bool {
	for _, inst := range run.Instances {
		if inst.Status == dag.InstanceRetrying {
			return true
		}
	}
	return false
}

func (r *Runner) runBlock(ctx context.Context, def dag.Definition, run *dag.Run, blockID string) {
	blockDef, ok := def.BlockByID(blockID)
	if !ok {
		return
	}

	ctx, span := r.tracer.Start(ctx, "dagrun.runBlock", trace.WithAttributes(
		attribute.String("dag_id", def.ID), attribute.String("block_id", blockID)))
	defer span.End()

	inputs := dag.ResolveInputs(def, run, blockID)

	if !dag.AllPassed(dag.EvaluatePreGates(ctx, blockDef, inputs)) {
		_ = dag.Start(run, blockID, inputs)
		_ = dag.Fail(run, blockID, fmt.Errorf("pre-gate failed"), blockDef)
		return
	}

	if err := dag.Start(run, blockID, inputs); err != nil {
		r.logger.Error("dagrun failed to start block", "block_id", blockID, "error", err)
		return
	}

	outputs, err := r.execute(ctx, blockDef, inputs)
	if err != nil {
		r.logger.Warn("dagrun block execution failed", "block_id", blockID, "error", err)
		_ = dag.Fail(run, blockID, err, blockDef)
		return
	}

	if !dag.AllPassed(dag.EvaluatePostGates(ctx, blockDef, inputs, outputs)) {
		_ = dag.Fail(run, blockID, fmt.Errorf("post-gate failed"), blockDef)
		return
	}

	_ = dag.Complete(run, blockID, outputs)
}

// execute invokes the adapter matching the block's agent, checking the
// engine's result cache first so a retried or re-run block with identical
// inputs skips the adapter call entirely.
func (r *Runner) execute(ctx context.Context, blockDef dag.BlockDef, inputs map[string]interface{}) (map[string]interface{}, error) {
	key, err := dag.CacheKey(blockDef, inputs)
	if err == nil {
		if cached, hit := r.engine.LookupResult(key); hit {
			return cached, nil
		}
	}

	adapter, ok := r.adapterFor(blockDef.Agent)
	if !ok {
		return nil, fmt.Errorf("no adapter can handle agent %q", blockDef.Agent)
	}

	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs for block %q: %w", blockDef.ID, err)
	}
	synthetic := task.Task{ID: blockDef.ID, Type: "dag_block", Backend: blockDef.Agent, Prompt: string(payload)}

	result, err := adapter.Execute(ctx, synthetic, dispatcher.RetryContext{})
	if err != nil {
		return nil, err
	}

	outputs := outputsFromResult(result)
	if key != "" {
		r.engine.StoreResult(key, outputs)
	}
	return outputs, nil
}

// outputsFromResult maps an adapter Result onto a block's output port
// values: a structured result is used directly if it decodes to a map,
// otherwise the raw output is attempted as JSON, falling back to a single
// "output" string port.
func outputsFromResult(result dispatcher.Result) map[string]interface{} {
	if m, ok := result.Structured.(map[string]interface{}); ok {
		return m
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(result.Output), &m); err == nil {
		return m
	}
	return map[string]interface{}{"output": result.Output}
}

// persist upserts the run's current state. StartedAt is preserved across
// calls (looked up from any existing record) since PutRun's time index is
// keyed on it; CompletedAt is stamped the moment the run reaches a
// terminal state.
func (r *Runner) persist(def dag.Definition, run *dag.Run) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %q: %w", run.ID, err)
	}

	done, failed := dag.IsComplete(def, run)
	if done || failed {
		if failed {
			run.Status = dag.RunFailed
		} else {
			run.Status = dag.RunCompleted
		}
		runJSON, err = json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run %q: %w", run.ID, err)
		}
	}

	rec := store.DAGRunRecord{
		ID:        run.ID,
		DAGName:   def.ID,
		Status:    string(run.Status),
		StateJSON: string(runJSON),
		StartedAt: time.Now().UTC(),
	}
	if existing, ok, _ := r.defs.GetRun(run.ID); ok {
		rec.StartedAt = existing.StartedAt
	}
	if done || failed {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	return r.defs.PutRun(rec)
}
