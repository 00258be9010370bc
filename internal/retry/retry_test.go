package retry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flowkeeper/kernel/internal/gate"
	"github.com/flowkeeper/kernel/internal/kernelerr"
)

func wordCountEvaluate(min int) EvaluateFunc {
	return func(ctx context.Context, data interface{}, raw string, actx AttemptContext) []gate.Result {
		g := gate.Def{Kind: gate.KindWordCount, Min: intPtr(min)}
		return gate.Run(ctx, []gate.Def{g}, data, raw, gate.ShortCircuit)
	}
}

func intPtr(i int) *int { return &i }

func TestRunPassesOnFirstAttempt(t *testing.T) {
	produce := func(ctx context.Context, actx AttemptContext) (Produced, error) {
		return Produced{Raw: "this is plenty of words here"}, nil
	}
	out, err := Run(context.Background(), Policy{Max: 3, DelayMs: 1}, produce, wordCountEvaluate(3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", out.Attempts)
	}
}

func TestRunRetriesWithCompiledFeedback(t *testing.T) {
	attemptRaws := []string{"too short", "this is a longer answer"}
	i := 0
	var seenFeedback string
	produce := func(ctx context.Context, actx AttemptContext) (Produced, error) {
		seenFeedback = actx.Feedback
		raw := attemptRaws[i]
		i++
		return Produced{Raw: raw}, nil
	}
	out, err := Run(context.Background(), Policy{Max: 3, Feedback: true, DelayMs: 1}, produce, wordCountEvaluate(5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", out.Attempts)
	}
	if !strings.Contains(seenFeedback, "below min 5") {
		t.Fatalf("expected compiled feedback about word count, got %q", seenFeedback)
	}
}

func TestRunExhaustsAndReturnsGateExhaustionError(t *testing.T) {
	produce := func(ctx context.Context, actx AttemptContext) (Produced, error) {
		return Produced{Raw: "no"}, nil
	}
	_, err := Run(context.Background(), Policy{Max: 3, Feedback: true, DelayMs: 1}, produce, wordCountEvaluate(5))
	ge, ok := err.(*kernelerr.GateExhaustionError)
	if !ok {
		t.Fatalf("expected *kernelerr.GateExhaustionError, got %T (%v)", err, err)
	}
	if ge.Attempts != 3 || len(ge.History) != 3 {
		t.Fatalf("expected 3 attempts of history, got %+v", ge)
	}
}

func TestRunMaxZeroNormalizesToOneAttempt(t *testing.T) {
	calls := 0
	produce := func(ctx context.Context, actx AttemptContext) (Produced, error) {
		calls++
		return Produced{Raw: "no"}, nil
	}
	_, err := Run(context.Background(), Policy{Max: 0, DelayMs: 1}, produce, wordCountEvaluate(5))
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt when max=0, got %d", calls)
	}
}

func TestCompileEmptyFailuresSentinel(t *testing.T) {
	if got := Compile(nil); got != "No gate failures recorded." {
		t.Fatalf("unexpected sentinel: %q", got)
	}
}

func TestCompileNumbersEachFailure(t *testing.T) {
	failures := []gate.Result{
		{GateName: "word_count", Reason: "too short"},
		{GateName: "regex", Reason: "no match"},
	}
	got := Compile(failures)
	if !strings.HasPrefix(got, "1. word_count: too short") {
		t.Fatalf("unexpected compiled feedback: %q", got)
	}
	if !strings.Contains(got, "2. regex: no match") {
		t.Fatalf("unexpected compiled feedback: %q", got)
	}
}

func TestBackoffDelaysGrowAsSpecified(t *testing.T) {
	linear := newDelayFunc(Policy{Backoff: BackoffLinear, DelayMs: 10})
	if d := linear(1); d != 10*time.Millisecond {
		t.Fatalf("linear attempt 1: expected 10ms, got %v", d)
	}
	if d := linear(3); d != 30*time.Millisecond {
		t.Fatalf("linear attempt 3: expected 30ms, got %v", d)
	}

	exp := newDelayFunc(Policy{Backoff: BackoffExponential, DelayMs: 10})
	if d := exp(1); d != 10*time.Millisecond {
		t.Fatalf("exponential attempt 1: expected 10ms, got %v", d)
	}
	if d := exp(2); d != 20*time.Millisecond {
		t.Fatalf("exponential attempt 2: expected 20ms, got %v", d)
	}

	capped := newDelayFunc(Policy{Backoff: BackoffLinear, DelayMs: 100, MaxDelayMs: 150})
	if d := capped(5); d != 150*time.Millisecond {
		t.Fatalf("expected delay capped at 150ms, got %v", d)
	}
}

func TestDelayMatchesSpecFormulasStatelessly(t *testing.T) {
	if d := Delay(Policy{Backoff: BackoffNone, DelayMs: 50}, 3); d != 50*time.Millisecond {
		t.Fatalf("none: expected flat 50ms, got %v", d)
	}
	if d := Delay(Policy{Backoff: BackoffLinear, DelayMs: 10}, 4); d != 40*time.Millisecond {
		t.Fatalf("linear attempt 4: expected 40ms, got %v", d)
	}
	if d := Delay(Policy{Backoff: BackoffExponential, DelayMs: 10}, 3); d != 40*time.Millisecond {
		t.Fatalf("exponential attempt 3: expected delay_ms*2^(attempt-1)=40ms, got %v", d)
	}
	if d := Delay(Policy{Backoff: BackoffExponential, DelayMs: 10, MaxDelayMs: 35}, 3); d != 35*time.Millisecond {
		t.Fatalf("expected exponential delay capped at 35ms, got %v", d)
	}
	// Calling out of sequence must not carry hidden state between calls.
	first := Delay(Policy{Backoff: BackoffExponential, DelayMs: 10}, 5)
	second := Delay(Policy{Backoff: BackoffExponential, DelayMs: 10}, 5)
	if first != second {
		t.Fatalf("expected Delay to be a pure function of (policy, attempt), got %v then %v", first, second)
	}
}
