// Package gate implements the configurable verification gates a produced
// task result is checked against, and the runner that evaluates an ordered
// list of them. Grounded in the distilled spec's gate taxonomy; the
// short-circuit/run-all runner shape follows the teacher's own
// validateBlock-then-collect-results pattern in dag_engine.go.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/flowkeeper/kernel/internal/gate/expr"
)

// Kind tags the gate-definition sum type.
type Kind string

const (
	KindStructuralSchema Kind = "structural_schema"
	KindExpression       Kind = "expression"
	KindRegex            Kind = "regex"
	KindWordCount        Kind = "word_count"
	KindCommand          Kind = "command"
	KindExternalReview   Kind = "external_review"
	KindCustom           Kind = "custom"
)

// SchemaType is the structural-schema sub-language's type tag.
type SchemaType string

const (
	SchemaObject  SchemaType = "object"
	SchemaArray   SchemaType = "array"
	SchemaString  SchemaType = "string"
	SchemaNumber  SchemaType = "number"
	SchemaBoolean SchemaType = "boolean"
	SchemaNull    SchemaType = "null"
)

// Schema is the explicit sum-type validator's recursive node shape.
type Schema struct {
	Type       SchemaType         `json:"type"`
	Required   []string           `json:"required,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
}

// Checker is the external-validator-protocol escape hatch: any object
// exposing Check(input) is used directly instead of the Schema sub-language.
type Checker interface {
	Check(input interface{}) (ok bool, issues []string)
}

// Reviewer is the contract an external-review gate calls.
type Reviewer interface {
	Review(ctx context.Context, output string, criteria []string, originalPrompt string) (ReviewResult, error)
}

type ReviewResult struct {
	Passed          bool
	Score           float64
	CriteriaResults []CriterionResult
	Cost            float64
}

type CriterionResult struct {
	Criterion string
	Passed    bool
	Reasoning string
}

// CustomFunc is a caller-supplied closure gate; its boolean or structured
// return is normalized into a GateResult by runCustom.
type CustomFunc func(data interface{}, raw string) (bool, string, map[string]interface{})

// Def is the gate-definition tagged union. Only the fields relevant to Kind
// are read by Run; the rest are ignored, mirroring the spec's "sum of
// kind-specific fields" shape without needing a Go-level union type.
type Def struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name,omitempty"`

	// structural_schema
	Schema  *Schema `json:"schema,omitempty"`
	Checker Checker `json:"-"`

	// expression
	Expression string `json:"expression,omitempty"`

	// regex
	Pattern string `json:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty"`
	Invert  bool   `json:"invert,omitempty"`

	// word_count
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`

	// command
	Command    string            `json:"command,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutMs  int               `json:"timeout_ms,omitempty"`
	ExpectExit int               `json:"expect_exit,omitempty"`

	// external_review
	Reviewer  Reviewer `json:"-"`
	Criteria  []string `json:"criteria,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`

	// custom
	Custom CustomFunc `json:"-"`
}

// Result is what a single gate evaluation produces.
type Result struct {
	GateName   string                 `json:"gate_name"`
	Passed     bool                   `json:"passed"`
	Reason     string                 `json:"reason,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

// Mode selects the runner's stop condition.
type Mode int

const (
	ShortCircuit Mode = iota
	RunAll
)

// Run evaluates gates in declaration order against (data, raw). Gate
// execution never throws: a panic or error inside any single gate's check
// becomes passed=false with the error text as reason.
func Run(ctx context.Context, gates []Def, data interface{}, raw string, mode Mode) []Result {
	results := make([]Result, 0, len(gates))
	for _, g := range gates {
		res := runOne(ctx, g, data, raw)
		results = append(results, res)
		if mode == ShortCircuit && !res.Passed {
			break
		}
	}
	return results
}

func runOne(ctx context.Context, g Def, data interface{}, raw string) (result Result) {
	name := g.Name
	if name == "" {
		name = string(g.Kind)
	}
	start := time.Now()

	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		result.GateName = name
		if r := recover(); r != nil {
			result = Result{GateName: name, Passed: false, Reason: fmt.Sprintf("gate panicked: %v", r), DurationMs: time.Since(start).Milliseconds()}
		}
	}()

	switch g.Kind {
	case KindStructuralSchema:
		return runSchema(g, data)
	case KindExpression:
		return runExpression(g, data)
	case KindRegex:
		return runRegex(g, raw)
	case KindWordCount:
		return runWordCount(g, raw)
	case KindCommand:
		return runCommand(ctx, g, raw)
	case KindExternalReview:
		return runExternalReview(ctx, g, raw)
	case KindCustom:
		return runCustom(g, data, raw)
	default:
		return Result{Passed: false, Reason: fmt.Sprintf("unknown gate kind %q", g.Kind)}
	}
}

func runSchema(g Def, data interface{}) Result {
	if g.Checker != nil {
		ok, issues := g.Checker.Check(data)
		if ok {
			return Result{Passed: true}
		}
		return Result{Passed: false, Reason: strings.Join(issues, "; ")}
	}
	if g.Schema == nil {
		return Result{Passed: false, Reason: "no schema or checker configured"}
	}
	if path, err := validateSchema(g.Schema, data, "$"); err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	return Result{Passed: true}
}

func validateSchema(s *Schema, v interface{}, path string) (string, error) {
	switch s.Type {
	case SchemaNull:
		if v != nil {
			return path, fmt.Errorf("expected null, got %T", v)
		}
	case SchemaBoolean:
		if _, ok := v.(bool); !ok {
			return path, fmt.Errorf("expected boolean, got %T", v)
		}
	case SchemaNumber:
		if _, ok := v.(float64); !ok {
			return path, fmt.Errorf("expected number, got %T", v)
		}
	case SchemaString:
		if _, ok := v.(string); !ok {
			return path, fmt.Errorf("expected string, got %T", v)
		}
	case SchemaArray:
		arr, ok := v.([]interface{})
		if !ok {
			return path, fmt.Errorf("expected array, got %T", v)
		}
		if s.Items != nil {
			for i, el := range arr {
				if p, err := validateSchema(s.Items, el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return p, err
				}
			}
		}
	case SchemaObject:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return path, fmt.Errorf("expected object, got %T", v)
		}
		for _, req := range s.Required {
			if _, ok := obj[req]; !ok {
				return path + "." + req, fmt.Errorf("missing required field")
			}
		}
		for key, propSchema := range s.Properties {
			if val, ok := obj[key]; ok {
				if p, err := validateSchema(propSchema, val, path+"."+key); err != nil {
					return p, err
				}
			}
		}
	default:
		return path, fmt.Errorf("unknown schema type %q", s.Type)
	}
	return "", nil
}

func runExpression(g Def, data interface{}) Result {
	scope := expr.Scope{"data": data}
	if m, ok := data.(map[string]interface{}); ok {
		for k, v := range m {
			scope[k] = v
		}
	}
	v, err := expr.Evaluate(g.Expression, scope)
	if err != nil {
		return Result{Passed: false, Reason: err.Error()}
	}
	passed, ok := v.(bool)
	if !ok {
		return Result{Passed: false, Reason: fmt.Sprintf("expression did not evaluate to a boolean (got %T)", v)}
	}
	return Result{Passed: passed}
}

func runRegex(g Def, raw string) Result {
	var flagPrefix string
	if strings.Contains(g.Flags, "i") {
		flagPrefix = "(?i)"
	}
	re, err := regexp.Compile(flagPrefix + g.Pattern)
	if err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("invalid pattern: %v", err)}
	}
	matched := re.MatchString(raw)
	passed := matched != g.Invert
	reason := ""
	if !passed {
		reason = fmt.Sprintf("pattern %q match=%v invert=%v", g.Pattern, matched, g.Invert)
	}
	return Result{Passed: passed, Reason: reason}
}

func runWordCount(g Def, raw string) Result {
	count := len(strings.Fields(raw))
	if g.Min != nil && count < *g.Min {
		return Result{Passed: false, Reason: fmt.Sprintf("Word count %d is below min %d", count, *g.Min), Details: map[string]interface{}{"count": count}}
	}
	if g.Max != nil && count > *g.Max {
		return Result{Passed: false, Reason: fmt.Sprintf("Word count %d is above max %d", count, *g.Max), Details: map[string]interface{}{"count": count}}
	}
	return Result{Passed: true, Details: map[string]interface{}{"count": count}}
}

func runCommand(ctx context.Context, g Def, raw string) Result {
	timeout := time.Duration(g.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", g.Command)
	if g.Cwd != "" {
		cmd.Dir = g.Cwd
	}
	cmd.Env = append(cmd.Env, "GATE_DATA="+raw)
	for k, v := range g.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	err := cmd.Run()
	expect := g.ExpectExit

	if cctx.Err() != nil {
		return Result{Passed: false, Reason: "gate command timed out"}
	}
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return Result{Passed: false, Reason: err.Error()}
	}
	if exitCode != expect {
		return Result{Passed: false, Reason: fmt.Sprintf("exit code %d, expected %d", exitCode, expect)}
	}
	return Result{Passed: true}
}

func runExternalReview(ctx context.Context, g Def, raw string) Result {
	if g.Reviewer == nil {
		return Result{Passed: false, Reason: "no provider"}
	}
	threshold := g.Threshold
	if threshold == 0 {
		threshold = 0.8
	}
	rr, err := g.Reviewer.Review(ctx, raw, g.Criteria, g.Prompt)
	if err != nil {
		return Result{Passed: false, Reason: err.Error()}
	}
	details, _ := toDetailsMap(rr)
	if rr.Score < threshold {
		return Result{Passed: false, Reason: fmt.Sprintf("score %.2f below threshold %.2f", rr.Score, threshold), Details: details}
	}
	return Result{Passed: true, Details: details}
}

func toDetailsMap(rr ReviewResult) (map[string]interface{}, error) {
	data, err := json.Marshal(rr)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func runCustom(g Def, data interface{}, raw string) Result {
	if g.Custom == nil {
		return Result{Passed: false, Reason: "no custom function configured"}
	}
	passed, reason, details := g.Custom(data, raw)
	return Result{Passed: passed, Reason: reason, Details: details}
}
