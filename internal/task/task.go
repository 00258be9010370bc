// Package task defines the Task aggregate and its lifecycle state machine.
package task

import "time"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusBlocked    Status = "BLOCKED"
)

// BackendConfig carries the execution hints an adapter needs to run a Task.
type BackendConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Model   string            `json:"model,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// FeedbackEntry records one round of reviewer/gate feedback attached during a bounce.
type FeedbackEntry struct {
	Attempt   int       `json:"attempt"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work tracked by the kernel.
type Task struct {
	ID string `json:"id"`

	Type        string `json:"type"`
	Backend     string `json:"backend,omitempty"`
	Priority    int32  `json:"priority"`
	ManualRank  *int64 `json:"manual_rank,omitempty"`

	Summary               string        `json:"summary,omitempty"`
	Prompt                string        `json:"prompt,omitempty"`
	AcceptanceCriteria    []string      `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone      []string      `json:"definition_of_done,omitempty"`
	BackendConfig         BackendConfig `json:"backend_config,omitempty"`

	Status        Status `json:"status"`
	AttemptCount  int    `json:"attempt_count"`
	MaxAttempts   int    `json:"max_attempts"`
	BounceCount   int    `json:"bounce_count"`
	MaxBounces    int    `json:"max_bounces"`

	LeaseOwner     *string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Result          string          `json:"result,omitempty"`
	EvidenceRef     string          `json:"evidence_ref,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	FeedbackHistory []FeedbackEntry `json:"feedback_history,omitempty"`

	PipelineID    string                 `json:"pipeline_id,omitempty"`
	PipelineStep  int                    `json:"pipeline_step,omitempty"`
	DependsOn     []string               `json:"depends_on,omitempty"`
	ParentTaskID  string                 `json:"parent_task_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultMaxAttempts and DefaultMaxBounces are applied when a task is
// created without explicit overrides.
const (
	DefaultMaxAttempts = 5
	DefaultMaxBounces  = 3
)

// Clone returns a deep-enough copy for safe handoff to read-only observers
// (adapters, reviewers): only the Task Store mutates rows in place.
func (t Task) Clone() Task {
	clone := t
	if t.ManualRank != nil {
		v := *t.ManualRank
		clone.ManualRank = &v
	}
	if t.LeaseOwner != nil {
		v := *t.LeaseOwner
		clone.LeaseOwner = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		clone.LeaseExpiresAt = &v
	}
	clone.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	clone.DefinitionOfDone = append([]string(nil), t.DefinitionOfDone...)
	clone.DependsOn = append([]string(nil), t.DependsOn...)
	clone.FeedbackHistory = append([]FeedbackEntry(nil), t.FeedbackHistory...)
	if t.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	if t.BackendConfig.Env != nil {
		clone.BackendConfig.Env = make(map[string]string, len(t.BackendConfig.Env))
		for k, v := range t.BackendConfig.Env {
			clone.BackendConfig.Env[k] = v
		}
	}
	clone.BackendConfig.Args = append([]string(nil), t.BackendConfig.Args...)
	return clone
}

// IsTerminal reports whether the task is DONE, the one status with no
// outgoing transitions.
func (t Task) IsTerminal() bool {
	return t.Status == StatusDone
}
