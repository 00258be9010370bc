// Package dag implements the block DAG runtime: parsing, the ready-set
// and input-wiring rules, and the start/complete/fail lifecycle a
// dispatcher-like caller drives. The engine itself never invokes an
// agent — the same separation the teacher keeps between DAGEngine
// (orchestration) and TaskExecutor (the pluggable leaf), here pushed all
// the way out: this package exposes only state transitions, and an
// external caller supplies the actual block outputs.
package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flowkeeper/kernel/internal/gate"
	"github.com/flowkeeper/kernel/internal/kernelerr"
	"github.com/flowkeeper/kernel/internal/retry"
)

// Port is one named input or output slot on a block.
type Port struct {
	Name     string      `json:"name"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

// RetryPolicy mirrors internal/retry.Policy's backoff shape, restated
// here for the block lifecycle (no gate-feedback compilation applies to
// block retries, only the delay arithmetic).
type RetryPolicy struct {
	MaxAttempts int            `json:"max_attempts"`
	DelayMs     int            `json:"delay_ms"`
	Backoff     retry.Backoff  `json:"backoff"`
	MaxDelayMs  int            `json:"max_delay_ms"`
}

func (p RetryPolicy) delay(attempt int) int64 {
	d := retry.Delay(retry.Policy{DelayMs: p.DelayMs, Backoff: p.Backoff, MaxDelayMs: p.MaxDelayMs}, attempt)
	return d.Milliseconds()
}

// BlockDef is one node of a Definition: its ports, the agent it runs
// under, its pre/post gates, and its retry policy.
type BlockDef struct {
	ID                     string      `json:"id"`
	Inputs                 []Port      `json:"inputs"`
	Outputs                []Port      `json:"outputs"`
	Agent                  string      `json:"agent"`
	PreGates               []gate.Def  `json:"pre_gates,omitempty"`
	PostGates              []gate.Def  `json:"post_gates,omitempty"`
	Retry                  RetryPolicy `json:"retry"`
	StrictOutput           bool        `json:"strict_output,omitempty"`
	ContractRepairAttempts int         `json:"contract_repair_attempts,omitempty"`
}

func (b BlockDef) inputPort(name string) (Port, bool) {
	for _, p := range b.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

func (b BlockDef) outputPort(name string) (Port, bool) {
	for _, p := range b.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Edge wires one block's output port to another block's input port, with
// an optional transform expression evaluated over {value}.
type Edge struct {
	From      string `json:"from"`
	Output    string `json:"output"`
	To        string `json:"to"`
	Input     string `json:"input"`
	Transform string `json:"transform,omitempty"`
}

// Definition is a parsed, validated block graph.
type Definition struct {
	ID        string     `json:"id"`
	Blocks    []BlockDef `json:"blocks"`
	Edges     []Edge     `json:"edges"`
	Terminals []string   `json:"terminals,omitempty"`
}

func (d Definition) block(id string) (BlockDef, bool) {
	for _, b := range d.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return BlockDef{}, false
}

// BlockByID exposes block lookup to callers outside this package, namely
// a driver loop that needs a ready block's Agent/Retry/gates to act on it.
func (d Definition) BlockByID(id string) (BlockDef, bool) {
	return d.block(id)
}

func (d Definition) incomingEdges(blockID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.To == blockID {
			out = append(out, e)
		}
	}
	return out
}

// Parse validates block-id uniqueness, edge endpoint/port existence, and
// acyclicity (Kahn's algorithm; a non-empty remainder means a cycle).
func Parse(def Definition) error {
	seen := make(map[string]bool, len(def.Blocks))
	for _, b := range def.Blocks {
		if seen[b.ID] {
			return fmt.Errorf("duplicate block id %q", b.ID)
		}
		seen[b.ID] = true
	}

	for _, e := range def.Edges {
		from, ok := def.block(e.From)
		if !ok {
			return fmt.Errorf("edge references unknown block %q", e.From)
		}
		to, ok := def.block(e.To)
		if !ok {
			return fmt.Errorf("edge references unknown block %q", e.To)
		}
		if _, ok := from.outputPort(e.Output); !ok {
			return fmt.Errorf("edge output %q not declared on block %q", e.Output, e.From)
		}
		if _, ok := to.inputPort(e.Input); !ok {
			return fmt.Errorf("edge input %q not declared on block %q", e.Input, e.To)
		}
	}

	for _, id := range def.Terminals {
		if !seen[id] {
			return fmt.Errorf("terminal references unknown block %q", id)
		}
	}

	return checkAcyclic(def)
}

// checkAcyclic runs Kahn's topological sort; any block left with a
// nonzero in-degree once the queue drains belongs to a cycle.
func checkAcyclic(def Definition) error {
	inDegree := make(map[string]int, len(def.Blocks))
	for _, b := range def.Blocks {
		inDegree[b.ID] = 0
	}
	for _, e := range def.Edges {
		inDegree[e.To]++
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue) // deterministic processing order

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		var next []string
		for _, e := range def.Edges {
			if e.From != id {
				continue
			}
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if visited < len(def.Blocks) {
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return &kernelerr.CycleError{Remaining: remaining}
	}
	return nil
}

// hashable is the canonical subset of a BlockDef hashed for cache/equality
// checks, named exactly per the canonical-hash field list.
type hashable struct {
	ID                     string      `json:"id"`
	Inputs                 []Port      `json:"inputs"`
	Outputs                []Port      `json:"outputs"`
	Agent                  string      `json:"agent"`
	PreGates               []gate.Def  `json:"pre_gates,omitempty"`
	PostGates              []gate.Def  `json:"post_gates,omitempty"`
	Retry                  RetryPolicy `json:"retry"`
	StrictOutput           bool        `json:"strict_output,omitempty"`
	ContractRepairAttempts int         `json:"contract_repair_attempts,omitempty"`
}

// DefinitionHash returns the canonical 16-hex-digit content hash of a
// block, grounded on the teacher's generateCacheKey (sha256 over
// marshaled Task, truncated here to 16 hex characters since the block
// hash is used for cache keys and equality checks, not collision-hard
// identity).
func DefinitionHash(b BlockDef) string {
	h := hashable{
		ID: b.ID, Inputs: b.Inputs, Outputs: b.Outputs, Agent: b.Agent,
		PreGates: b.PreGates, PostGates: b.PostGates, Retry: b.Retry,
		StrictOutput: b.StrictOutput, ContractRepairAttempts: b.ContractRepairAttempts,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// hashValue hashes an arbitrary JSON-marshalable value to 16 hex
// characters, the same truncated-sha256 shape as DefinitionHash. Used
// to fold a block's resolved inputs into its result-cache key.
func hashValue(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
