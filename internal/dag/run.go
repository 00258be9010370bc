package dag

import (
	"context"
	"fmt"
	"time"

	"github.com/flowkeeper/kernel/internal/gate"
	"github.com/flowkeeper/kernel/internal/gate/expr"
)

// InstanceStatus is a block instance's lifecycle state within a run.
type InstanceStatus string

const (
	InstancePending  InstanceStatus = "pending"
	InstanceRunning  InstanceStatus = "running"
	InstanceRetrying InstanceStatus = "retrying"
	InstanceCompleted InstanceStatus = "completed"
	InstanceSkipped  InstanceStatus = "skipped"
	InstanceFailed   InstanceStatus = "failed"
)

// RetryState tracks a block instance's attempt count and, while
// retrying, when the next attempt becomes eligible.
type RetryState struct {
	Attempt     int        `json:"attempt"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Instance is one block's state within a single Run.
type Instance struct {
	BlockID     string                 `json:"block_id"`
	Status      InstanceStatus         `json:"status"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	RetryState  RetryState             `json:"retry_state"`
	Error       string                 `json:"error,omitempty"`
}

// RunStatus is the overall state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one execution of a Definition: the instance state of every
// block plus the shared run context inputs are resolved against.
type Run struct {
	ID      string               `json:"id"`
	DefID   string               `json:"def_id"`
	Status  RunStatus            `json:"status"`
	Context map[string]interface{} `json:"context"`

	Instances map[string]*Instance `json:"instances"`
}

// NewRun initializes a Run with every block pending.
func NewRun(id string, def Definition, context map[string]interface{}) *Run {
	if context == nil {
		context = map[string]interface{}{}
	}
	run := &Run{
		ID:        id,
		DefID:     def.ID,
		Status:    RunRunning,
		Context:   context,
		Instances: make(map[string]*Instance, len(def.Blocks)),
	}
	for _, b := range def.Blocks {
		run.Instances[b.ID] = &Instance{BlockID: b.ID, Status: InstancePending}
	}
	return run
}

// ReadySet returns the ids of every block whose instance is pending (or
// retrying with its next_retry_at already elapsed) and whose every
// required input is currently resolvable.
func ReadySet(def Definition, run *Run) []string {
	var ready []string
	for _, b := range def.Blocks {
		inst, ok := run.Instances[b.ID]
		if !ok || (inst.Status != InstancePending && inst.Status != InstanceRetrying) {
			continue
		}
		if inst.RetryState.NextRetryAt != nil && time.Now().UTC().Before(*inst.RetryState.NextRetryAt) {
			continue
		}
		if blockReady(def, run, b) {
			ready = append(ready, b.ID)
		}
	}
	return ready
}

func blockReady(def Definition, run *Run, b BlockDef) bool {
	for _, port := range b.Inputs {
		if portReady(def, run, b, port) {
			continue
		}
		if port.Required {
			return false
		}
	}
	return true
}

// portReady reports whether a port's value is currently available,
// following the same precedence ResolveInputs uses to actually fetch it.
func portReady(def Definition, run *Run, b BlockDef, port Port) bool {
	if _, ok := overrideValue(run, b.ID, port.Name); ok {
		return true
	}
	for _, e := range def.incomingEdges(b.ID) {
		if e.Input != port.Name {
			continue
		}
		src, ok := run.Instances[e.From]
		if !ok {
			return false
		}
		if src.Status != InstanceCompleted {
			return false
		}
		if _, ok := src.Outputs[e.Output]; !ok {
			return false
		}
		return true
	}
	if _, ok := run.Context[port.Name]; ok {
		return true
	}
	if port.Default != nil {
		return true
	}
	return !port.Required
}

func overrideKey(blockID, port string) string {
	return fmt.Sprintf("__override_input_%s_%s", blockID, port)
}

func overrideValue(run *Run, blockID, port string) (interface{}, bool) {
	v, ok := run.Context[overrideKey(blockID, port)]
	return v, ok
}

// ResolveInputs computes every input port's value for blockID, in
// precedence order: (1) explicit per-block context override, (2) an
// incoming edge's source output with its optional transform applied,
// (3) a run-context entry keyed by port name, (4) the port's declared
// default. A port with none of these stays undefined (absent from the
// returned map).
func ResolveInputs(def Definition, run *Run, blockID string) map[string]interface{} {
	b, ok := def.block(blockID)
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(b.Inputs))

	for _, port := range b.Inputs {
		if v, ok := overrideValue(run, blockID, port.Name); ok {
			out[port.Name] = v
			continue
		}

		if v, ok := resolveFromEdge(def, run, blockID, port.Name); ok {
			out[port.Name] = v
			continue
		}

		if v, ok := run.Context[port.Name]; ok {
			out[port.Name] = v
			continue
		}

		if port.Default != nil {
			out[port.Name] = port.Default
		}
	}
	return out
}

func resolveFromEdge(def Definition, run *Run, blockID, portName string) (interface{}, bool) {
	for _, e := range def.incomingEdges(blockID) {
		if e.Input != portName {
			continue
		}
		src, ok := run.Instances[e.From]
		if !ok || src.Status != InstanceCompleted {
			return nil, false
		}
		v, ok := src.Outputs[e.Output]
		if !ok {
			return nil, false
		}
		if e.Transform == "" {
			return v, true
		}
		transformed, err := expr.Evaluate(e.Transform, expr.Scope{"value": v})
		if err != nil {
			// a transform exception falls back to the raw edge value
			return v, true
		}
		return transformed, true
	}
	return nil, false
}

// Start marks blockID running, recording its inputs and bumping its
// attempt counter.
func Start(run *Run, blockID string, inputs map[string]interface{}) error {
	inst, ok := run.Instances[blockID]
	if !ok {
		return fmt.Errorf("unknown block %q", blockID)
	}
	now := time.Now().UTC()
	inst.Status = InstanceRunning
	inst.Inputs = inputs
	inst.StartedAt = &now
	inst.RetryState.Attempt++
	inst.RetryState.NextRetryAt = nil
	run.Status = RunRunning
	return nil
}

// Complete marks blockID completed and records its outputs.
func Complete(run *Run, blockID string, outputs map[string]interface{}) error {
	inst, ok := run.Instances[blockID]
	if !ok {
		return fmt.Errorf("unknown block %q", blockID)
	}
	now := time.Now().UTC()
	inst.Status = InstanceCompleted
	inst.Outputs = outputs
	inst.CompletedAt = &now
	inst.Error = ""
	return nil
}

// Fail consults blockDef.Retry: if attempts remain, the instance goes
// back to retrying with a computed next_retry_at; otherwise it is
// terminally failed.
func Fail(run *Run, blockID string, execErr error, blockDef BlockDef) error {
	inst, ok := run.Instances[blockID]
	if !ok {
		return fmt.Errorf("unknown block %q", blockID)
	}

	reason := ""
	if execErr != nil {
		reason = execErr.Error()
	}
	inst.Error = reason

	if blockDef.Retry.MaxAttempts > 0 && inst.RetryState.Attempt < blockDef.Retry.MaxAttempts {
		next := time.Now().UTC().Add(time.Duration(blockDef.Retry.delay(inst.RetryState.Attempt)) * time.Millisecond)
		inst.Status = InstanceRetrying
		inst.RetryState.NextRetryAt = &next
		return nil
	}

	inst.Status = InstanceFailed
	return nil
}

// IsComplete evaluates the run's completion predicate: if terminals are
// declared, completion requires every terminal instance to be
// completed|skipped; otherwise every instance must be. The second
// return value reports whether the run ended in failure (at least one
// block failed while every block reached a terminal state).
func IsComplete(def Definition, run *Run) (done bool, failed bool) {
	terminalIDs := def.Terminals
	check := func(ids []string) bool {
		for _, id := range ids {
			inst, ok := run.Instances[id]
			if !ok {
				return false
			}
			if inst.Status != InstanceCompleted && inst.Status != InstanceSkipped {
				return false
			}
		}
		return true
	}

	if len(terminalIDs) > 0 {
		done = check(terminalIDs)
	} else {
		all := make([]string, 0, len(run.Instances))
		for id := range run.Instances {
			all = append(all, id)
		}
		done = check(all)
	}

	everyTerminalState := true
	anyFailed := false
	for _, inst := range run.Instances {
		switch inst.Status {
		case InstanceCompleted, InstanceSkipped, InstanceFailed:
		default:
			everyTerminalState = false
		}
		if inst.Status == InstanceFailed {
			anyFailed = true
		}
	}

	failed = everyTerminalState && anyFailed
	return done, failed
}

// EvaluatePreGates runs blockDef.PreGates against (inputs, {}), matching
// the pre-gate contract.
func EvaluatePreGates(ctx context.Context, blockDef BlockDef, inputs map[string]interface{}) []gate.Result {
	return gate.Run(ctx, blockDef.PreGates, inputs, "", gate.RunAll)
}

// EvaluatePostGates runs blockDef.PostGates against (inputs, outputs)
// merged into one data map under "inputs"/"outputs" keys, matching
// the post-gate contract.
func EvaluatePostGates(ctx context.Context, blockDef BlockDef, inputs, outputs map[string]interface{}) []gate.Result {
	data := map[string]interface{}{"inputs": inputs, "outputs": outputs}
	return gate.Run(ctx, blockDef.PostGates, data, "", gate.RunAll)
}

// AllPassed reports whether every gate result passed, the block-failure
// predicate used here ("gate failure is a block failure").
func AllPassed(results []gate.Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
