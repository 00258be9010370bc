// Package kernelerr holds the cross-cutting error kinds that are
// raised by more than one subsystem, so that store, dispatcher, gate/retry and
// dag packages can all produce and `errors.As`-match them without import cycles.
package kernelerr

import (
	"fmt"
	"strings"
)

// ConcurrencyError means an optimistic update lost after the store's retry
// budget was exhausted. The caller should re-fetch and re-apply.
type ConcurrencyError struct {
	TaskID string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification of task %s exceeded retry budget", e.TaskID)
}

// LeaseExpiredError means an adapter tried to transition a task whose lease
// it no longer owns — the watchdog already recovered the row. The dispatcher
// swallows this; it is not user-visible.
type LeaseExpiredError struct {
	TaskID       string
	OwnedBy      string
	AttemptedBy  string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("task %s lease no longer owned by %s (now %q)", e.TaskID, e.AttemptedBy, e.OwnedBy)
}

// DependencyError means depends_on was not satisfied.
type DependencyError struct {
	TaskID  string
	Pending []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unfinished tasks %v", e.TaskID, e.Pending)
}

// WipLimitError is informational: the dispatcher treats it as "nothing to do
// for this type right now", not a failure.
type WipLimitError struct {
	Type  string
	Limit int
}

func (e *WipLimitError) Error() string {
	return fmt.Sprintf("wip limit reached for %q (limit=%d)", e.Type, e.Limit)
}

// CycleError reports a DAG parse failure due to a cyclic dependency graph.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag contains a cycle among blocks %v", e.Remaining)
}

// GateExhaustionError means the retry engine consumed its attempt budget
// without a gate-passing result. History carries every attempt's gate
// results for diagnostics and for compiling the final failure feedback.
type GateExhaustionError struct {
	Attempts int
	History  []AttemptRecord
}

// AttemptRecord is one pass of the retry engine's produce/evaluate loop.
type AttemptRecord struct {
	Attempt     int
	Passed      bool
	FeedbackSent bool
	DurationMs  int64
	GateNames   []string
	FailReasons []string
}

func (e *GateExhaustionError) Error() string {
	return fmt.Sprintf("gate retry budget exhausted after %d attempts", e.Attempts)
}

// AdapterClass buckets adapter failures into the pattern-matched
// classifications an adapter/dispatcher needs (rate-limited, permission, timeout, ...).
type AdapterClass string

const (
	AdapterClassRateLimited    AdapterClass = "rate_limited"
	AdapterClassPermission     AdapterClass = "permission"
	AdapterClassTimeout        AdapterClass = "timeout"
	AdapterClassToolUnavailable AdapterClass = "tool_unavailable"
	AdapterClassNetwork        AdapterClass = "network_error"
	AdapterClassUnknown        AdapterClass = "unknown"
)

// AdapterError wraps an adapter failure with its inferred classification.
type AdapterError struct {
	Class AdapterClass
	Cause error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter error (%s): %v", e.Class, e.Cause)
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// ClassifyAdapterError pattern-matches an exit code and message onto the
// classification buckets.
func ClassifyAdapterError(exitCode int, msg string) AdapterClass {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "rate limit", "429", "too many requests"):
		return AdapterClassRateLimited
	case containsAny(lower, "403", "permission denied", "forbidden"):
		return AdapterClassPermission
	case exitCode == 124 || containsAny(lower, "deadline exceeded", "timeout", "timed out"):
		return AdapterClassTimeout
	case containsAny(lower, "executable file not found", "command not found", "no such file"):
		return AdapterClassToolUnavailable
	case containsAny(lower, "connection refused", "network is unreachable", "no such host", "dial tcp"):
		return AdapterClassNetwork
	default:
		return AdapterClassUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
