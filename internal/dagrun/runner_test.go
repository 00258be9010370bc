package dagrun

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/flowkeeper/kernel/internal/dag"
	"github.com/flowkeeper/kernel/internal/dispatcher"
	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

// fakeAdapter resolves every block's "value" input plus a fixed delta into
// an output map {result: value+delta}, and records how many times it ran
// per block so retry behavior can be asserted.
type fakeAdapter struct {
	name      string
	delta     float64
	failUntil map[string]int
	calls     map[string]int
}

func newFakeAdapter(name string, delta float64) *fakeAdapter {
	return &fakeAdapter{name: name, delta: delta, failUntil: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) TaskTypes() []string   { return []string{"dag_block"} }
func (f *fakeAdapter) CanHandle(t task.Task) bool {
	return t.Backend == f.name
}
func (f *fakeAdapter) Abort(ctx context.Context, taskID string) error { return nil }

func (f *fakeAdapter) Execute(ctx context.Context, t task.Task, rctx dispatcher.RetryContext) (dispatcher.Result, error) {
	f.calls[t.ID]++
	if f.calls[t.ID] <= f.failUntil[t.ID] {
		return dispatcher.Result{}, fmt.Errorf("simulated failure attempt %d", f.calls[t.ID])
	}
	var in map[string]interface{}
	_ = json.Unmarshal([]byte(t.Prompt), &in)
	val, _ := in["value"].(float64)
	out, _ := json.Marshal(map[string]interface{}{"result": val + f.delta})
	return dispatcher.Result{Output: string(out)}, nil
}

func newTestRunner(t *testing.T, adapters []dispatcher.Adapter) *Runner {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	defs := store.NewDAGStore(db)
	engine := dag.NewEngine(64, time.Minute)
	return New(defs, engine, adapters, nil)
}

func linearDef() dag.Definition {
	return dag.Definition{
		ID: "linear",
		Blocks: []dag.BlockDef{
			{ID: "a", Outputs: []dag.Port{{Name: "result"}}, Agent: "stepper"},
			{
				ID:     "b",
				Inputs: []dag.Port{{Name: "value", Required: true}},
				Outputs: []dag.Port{{Name: "result"}},
				Agent:  "stepper",
			},
		},
		Edges:     []dag.Edge{{From: "a", Output: "result", To: "b", Input: "value"}},
		Terminals: []string{"b"},
	}
}

func TestRunnerDrivesLinearPipelineToCompletion(t *testing.T) {
	adapter := newFakeAdapter("stepper", 1)
	runner := newTestRunner(t, []dispatcher.Adapter{adapter})

	def := linearDef()
	def.Blocks[0].Inputs = []dag.Port{{Name: "value", Default: 10.0}}

	run, err := runner.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != dag.RunCompleted {
		t.Fatalf("expected run completed, got %s", run.Status)
	}
	b := run.Instances["b"]
	if b.Status != dag.InstanceCompleted {
		t.Fatalf("expected b completed, got %s", b.Status)
	}
	if got := b.Outputs["result"]; got != 12.0 {
		t.Fatalf("expected 12, got %v", got)
	}

	rec, ok, err := runner.defs.GetRun(run.ID)
	if err != nil || !ok {
		t.Fatalf("expected run persisted: ok=%v err=%v", ok, err)
	}
	if rec.Status != string(dag.RunCompleted) {
		t.Fatalf("expected persisted status completed, got %s", rec.Status)
	}
}

func TestRunnerRetriesFailingBlockThenSucceeds(t *testing.T) {
	adapter := newFakeAdapter("stepper", 1)
	adapter.failUntil["b"] = 2

	runner := newTestRunner(t, []dispatcher.Adapter{adapter})

	def := linearDef()
	def.Blocks[0].Inputs = []dag.Port{{Name: "value", Default: 1.0}}
	def.Blocks[1].Retry = dag.RetryPolicy{MaxAttempts: 3, DelayMs: 5}

	run, err := runner.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != dag.RunCompleted {
		t.Fatalf("expected run completed after retries, got %s", run.Status)
	}
	if run.Instances["b"].RetryState.Attempt != 3 {
		t.Fatalf("expected 3 attempts, got %d", run.Instances["b"].RetryState.Attempt)
	}
}

func TestRunnerFailsRunWhenBlockExhaustsRetries(t *testing.T) {
	adapter := newFakeAdapter("stepper", 1)
	adapter.failUntil["b"] = 99

	runner := newTestRunner(t, []dispatcher.Adapter{adapter})

	def := linearDef()
	def.Blocks[0].Inputs = []dag.Port{{Name: "value", Default: 1.0}}
	def.Blocks[1].Retry = dag.RetryPolicy{MaxAttempts: 2, DelayMs: 1}

	run, err := runner.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != dag.RunFailed {
		t.Fatalf("expected run failed, got %s", run.Status)
	}
	if run.Instances["b"].Status != dag.InstanceFailed {
		t.Fatalf("expected b failed, got %s", run.Instances["b"].Status)
	}
}

func TestRunnerStallsWhenNoAdapterMatchesAgent(t *testing.T) {
	runner := newTestRunner(t, nil)

	def := linearDef()
	def.Blocks[0].Inputs = []dag.Port{{Name: "value", Default: 1.0}}

	run, err := runner.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Instances["a"].Status != dag.InstanceFailed {
		t.Fatalf("expected a to fail with no adapter available, got %s", run.Instances["a"].Status)
	}
}
