// Package retry implements the produce-evaluate-feedback-backoff loop that
// drives a task toward a gate-passing result, plus the stateless Delay
// that internal/dag uses for block retries. Grounded on the teacher's own generic
// resilience.Retry[T] (libs/go/core/resilience/retry.go): same attempt-loop,
// counter, and backoff-then-retry shape, generalized here to also compile
// feedback between attempts and to classify exhaustion as a typed error
// instead of returning the last error bare.
package retry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowkeeper/kernel/internal/gate"
	"github.com/flowkeeper/kernel/internal/kernelerr"
)

// Backoff selects the delay growth between attempts.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy mirrors the distilled spec's retry configuration.
type Policy struct {
	Max        int
	Feedback   bool
	DelayMs    int
	Backoff    Backoff
	MaxDelayMs int
}

// normalized returns a copy with Max floored at 1, matching the spec's
// "max=0 behaves as max=1" edge case.
func (p Policy) normalized() Policy {
	if p.Max < 1 {
		p.Max = 1
	}
	return p
}

// AttemptContext is handed to the producer and is available to the caller
// for logging; Feedback carries the compiled text of the previous attempt's
// gate failures when the policy requests it.
type AttemptContext struct {
	Attempt  int
	Feedback string
	Failures []gate.Result
}

// Produced is what a producer emits for one attempt.
type Produced struct {
	Data interface{}
	Raw  string
}

type ProducerFunc func(ctx context.Context, actx AttemptContext) (Produced, error)
type EvaluateFunc func(ctx context.Context, data interface{}, raw string, actx AttemptContext) []gate.Result

// Outcome is returned once a producer's output passes every gate.
type Outcome struct {
	Data     interface{}
	Raw      string
	Attempts int
	Gates    []gate.Result
	History  []kernelerr.AttemptRecord
}

// Run drives the loop described by the distilled spec's retry engine: on
// each attempt it produces, evaluates, and records; on gate pass it returns;
// on exhaustion it returns a *kernelerr.GateExhaustionError carrying the full
// attempt history.
func Run(ctx context.Context, policy Policy, produce ProducerFunc, evaluate EvaluateFunc) (Outcome, error) {
	policy = policy.normalized()

	var history []kernelerr.AttemptRecord
	var failures []gate.Result
	var feedback string

	backoffDelay := newDelayFunc(policy)

	for attempt := 1; attempt <= policy.Max; attempt++ {
		actx := AttemptContext{Attempt: attempt, Feedback: feedback, Failures: failures}

		start := time.Now()
		produced, err := produce(ctx, actx)
		if err != nil {
			return Outcome{}, fmt.Errorf("attempt %d: producer failed: %w", attempt, err)
		}

		results := evaluate(ctx, produced.Data, produced.Raw, actx)
		passed := allPassed(results)
		duration := time.Since(start)

		record := kernelerr.AttemptRecord{
			Attempt:      attempt,
			Passed:       passed,
			FeedbackSent: feedback != "",
			DurationMs:   duration.Milliseconds(),
			GateNames:    gateNames(results),
			FailReasons:  failReasons(results),
		}
		history = append(history, record)

		if passed {
			return Outcome{Data: produced.Data, Raw: produced.Raw, Attempts: attempt, Gates: results, History: history}, nil
		}

		failures = failingOnly(results)
		if attempt == policy.Max {
			return Outcome{}, &kernelerr.GateExhaustionError{Attempts: attempt, History: history}
		}

		if policy.Feedback {
			feedback = Compile(failures)
		} else {
			feedback = ""
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}
	}

	// unreachable: policy.Max >= 1 guarantees the loop above returns.
	return Outcome{}, &kernelerr.GateExhaustionError{Attempts: policy.Max, History: history}
}

// Compile renders failed gate results as numbered feedback text, the shape
// a reviewer or the next producer attempt is expected to read.
func Compile(failures []gate.Result) string {
	if len(failures) == 0 {
		return "No gate failures recorded."
	}
	var sb strings.Builder
	for i, f := range failures {
		reason := f.Reason
		if reason == "" {
			reason = "failed with no reason given"
		}
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, f.GateName, reason)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func allPassed(results []gate.Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func failingOnly(results []gate.Result) []gate.Result {
	var out []gate.Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func gateNames(results []gate.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.GateName
	}
	return out
}

func failReasons(results []gate.Result) []string {
	var out []string
	for _, r := range results {
		if !r.Passed {
			out = append(out, r.Reason)
		}
	}
	return out
}

// Delay computes the backoff before retrying attempt, stateless and
// addressable by attempt number directly — used by internal/dag, whose
// block retries are scheduled as a future next_retry_at timestamp rather
// than slept through inline like the gate retry loop above.
func Delay(p Policy, attempt int) time.Duration {
	delay := time.Duration(p.DelayMs) * time.Millisecond
	maxDelay := time.Duration(p.MaxDelayMs) * time.Millisecond

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = delay * time.Duration(attempt)
	case BackoffExponential:
		shift := attempt - 1
		if shift < 0 {
			shift = 0
		}
		if shift > 30 {
			shift = 30 // guard against overflow; no realistic policy retries this deep
		}
		d = delay * time.Duration(uint64(1)<<uint(shift))
	default:
		d = delay
	}

	if p.MaxDelayMs > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// newDelayFunc returns a function computing the sleep before the next
// attempt. none/linear are the spec's direct arithmetic; exponential is
// delegated to backoff.ExponentialBackOff with randomization disabled so its
// doubling matches delay_ms * 2^(attempt-1) exactly.
func newDelayFunc(p Policy) func(attempt int) time.Duration {
	delay := time.Duration(p.DelayMs) * time.Millisecond
	maxDelay := time.Duration(p.MaxDelayMs) * time.Millisecond

	clamp := func(d time.Duration) time.Duration {
		if p.MaxDelayMs > 0 && d > maxDelay {
			return maxDelay
		}
		return d
	}

	switch p.Backoff {
	case BackoffLinear:
		return func(attempt int) time.Duration {
			return clamp(delay * time.Duration(attempt))
		}
	case BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = delay
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if p.MaxDelayMs > 0 {
			eb.MaxInterval = maxDelay
		} else {
			// no cap configured: match Delay's uncapped delay_ms * 2^(attempt-1)
			// instead of silently inheriting the library's 15s default.
			eb.MaxInterval = time.Duration(math.MaxInt64)
		}
		// NewExponentialBackOff already reset the current interval to the
		// library default; reset again so the first delay is InitialInterval.
		eb.Reset()
		return func(attempt int) time.Duration {
			d := eb.NextBackOff()
			if d == backoff.Stop {
				return maxDelay
			}
			return d
		}
	default: // BackoffNone
		return func(attempt int) time.Duration {
			return clamp(delay)
		}
	}
}
