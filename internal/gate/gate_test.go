package gate

import (
	"context"
	"testing"
)

func TestRunSchemaRequiredFieldMissing(t *testing.T) {
	g := Def{
		Kind: KindStructuralSchema,
		Schema: &Schema{
			Type:     SchemaObject,
			Required: []string{"summary"},
			Properties: map[string]*Schema{
				"summary": {Type: SchemaString},
			},
		},
	}
	data := map[string]interface{}{"other": "x"}
	results := Run(context.Background(), []Def{g}, data, "", ShortCircuit)
	if len(results) != 1 || results[0].Passed {
		t.Fatalf("expected schema gate to fail on missing required field, got %+v", results)
	}
}

func TestRunSchemaPassesNestedArray(t *testing.T) {
	g := Def{
		Kind: KindStructuralSchema,
		Schema: &Schema{
			Type: SchemaObject,
			Properties: map[string]*Schema{
				"items": {Type: SchemaArray, Items: &Schema{Type: SchemaNumber}},
			},
		},
	}
	data := map[string]interface{}{"items": []interface{}{float64(1), float64(2)}}
	results := Run(context.Background(), []Def{g}, data, "", ShortCircuit)
	if !results[0].Passed {
		t.Fatalf("expected schema gate to pass, got %+v", results[0])
	}
}

func TestRunExpressionGate(t *testing.T) {
	g := Def{Kind: KindExpression, Expression: "data.word_count >= 10"}
	data := map[string]interface{}{"word_count": float64(12)}
	results := Run(context.Background(), []Def{g}, data, "", ShortCircuit)
	if !results[0].Passed {
		t.Fatalf("expected expression gate to pass, got %+v", results[0])
	}
}

func TestRunRegexGateWithInvert(t *testing.T) {
	g := Def{Kind: KindRegex, Pattern: `TODO`, Invert: true}
	results := Run(context.Background(), []Def{g}, nil, "no markers here", ShortCircuit)
	if !results[0].Passed {
		t.Fatalf("expected inverted regex gate to pass on absent match, got %+v", results[0])
	}

	results = Run(context.Background(), []Def{g}, nil, "has a TODO left", ShortCircuit)
	if results[0].Passed {
		t.Fatalf("expected inverted regex gate to fail when pattern present, got %+v", results[0])
	}
}

func TestRunWordCountGate(t *testing.T) {
	min := 3
	max := 5
	g := Def{Kind: KindWordCount, Min: &min, Max: &max}

	if r := Run(context.Background(), []Def{g}, nil, "one two", ShortCircuit)[0]; r.Passed {
		t.Fatalf("expected word count below min to fail, got %+v", r)
	}
	if r := Run(context.Background(), []Def{g}, nil, "one two three four", ShortCircuit)[0]; !r.Passed {
		t.Fatalf("expected word count within range to pass, got %+v", r)
	}
	if r := Run(context.Background(), []Def{g}, nil, "one two three four five six", ShortCircuit)[0]; r.Passed {
		t.Fatalf("expected word count above max to fail, got %+v", r)
	}
}

func TestRunCommandGateRespectsExpectExit(t *testing.T) {
	g := Def{Kind: KindCommand, Command: "exit 0", ExpectExit: 0}
	if r := Run(context.Background(), []Def{g}, nil, "payload", ShortCircuit)[0]; !r.Passed {
		t.Fatalf("expected command gate to pass, got %+v", r)
	}

	g2 := Def{Kind: KindCommand, Command: "exit 3", ExpectExit: 0}
	if r := Run(context.Background(), []Def{g2}, nil, "payload", ShortCircuit)[0]; r.Passed {
		t.Fatalf("expected command gate to fail on mismatched exit code, got %+v", r)
	}
}

func TestRunCommandGateSeesGateDataEnv(t *testing.T) {
	g := Def{Kind: KindCommand, Command: `[ "$GATE_DATA" = "hello" ]`, ExpectExit: 0}
	if r := Run(context.Background(), []Def{g}, nil, "hello", ShortCircuit)[0]; !r.Passed {
		t.Fatalf("expected command gate to observe GATE_DATA, got %+v", r)
	}
}

func TestRunExternalReviewWithoutProviderFails(t *testing.T) {
	g := Def{Kind: KindExternalReview}
	r := Run(context.Background(), []Def{g}, nil, "output", ShortCircuit)[0]
	if r.Passed || r.Reason != "no provider" {
		t.Fatalf("expected no-provider failure, got %+v", r)
	}
}

type fakeReviewer struct{ score float64 }

func (f fakeReviewer) Review(ctx context.Context, output string, criteria []string, prompt string) (ReviewResult, error) {
	return ReviewResult{Passed: f.score >= 0.8, Score: f.score}, nil
}

func TestRunExternalReviewComparesThreshold(t *testing.T) {
	g := Def{Kind: KindExternalReview, Reviewer: fakeReviewer{score: 0.9}, Threshold: 0.8}
	if r := Run(context.Background(), []Def{g}, nil, "output", ShortCircuit)[0]; !r.Passed {
		t.Fatalf("expected score above threshold to pass, got %+v", r)
	}

	g2 := Def{Kind: KindExternalReview, Reviewer: fakeReviewer{score: 0.5}, Threshold: 0.8}
	if r := Run(context.Background(), []Def{g2}, nil, "output", ShortCircuit)[0]; r.Passed {
		t.Fatalf("expected score below threshold to fail, got %+v", r)
	}
}

func TestRunCustomGate(t *testing.T) {
	g := Def{Kind: KindCustom, Custom: func(data interface{}, raw string) (bool, string, map[string]interface{}) {
		return len(raw) > 3, "too short", nil
	}}
	if r := Run(context.Background(), []Def{g}, nil, "hello", ShortCircuit)[0]; !r.Passed {
		t.Fatalf("expected custom gate to pass, got %+v", r)
	}
}

func TestRunShortCircuitStopsAfterFirstFailure(t *testing.T) {
	gates := []Def{
		{Kind: KindRegex, Pattern: `nonexistent`},
		{Kind: KindWordCount, Min: intPtr(1)},
	}
	results := Run(context.Background(), gates, nil, "some words here", ShortCircuit)
	if len(results) != 1 {
		t.Fatalf("expected short circuit to stop after first failing gate, got %d results", len(results))
	}
}

func TestRunAllEvaluatesEveryGate(t *testing.T) {
	gates := []Def{
		{Kind: KindRegex, Pattern: `nonexistent`},
		{Kind: KindWordCount, Min: intPtr(1)},
	}
	results := Run(context.Background(), gates, nil, "some words here", RunAll)
	if len(results) != 2 {
		t.Fatalf("expected run-all mode to evaluate every gate, got %d results", len(results))
	}
	if results[0].Passed {
		t.Fatalf("expected first gate to fail")
	}
	if !results[1].Passed {
		t.Fatalf("expected second gate to pass")
	}
}

func TestRunUnknownKindNeverThrows(t *testing.T) {
	results := Run(context.Background(), []Def{{Kind: "bogus"}}, nil, "", ShortCircuit)
	if results[0].Passed {
		t.Fatalf("expected unknown gate kind to fail gracefully")
	}
}

func intPtr(i int) *int { return &i }
