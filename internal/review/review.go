// Package review implements the handler that reacts to task transitions by
// spawning and resolving critique/approval children. Grounded on the
// teacher's Scheduler.TriggerEvent (services/orchestrator/scheduler.go):
// same "subscribe to an event stream, dispatch by matching condition"
// shape, here subscribed to internal/eventbus instead of the teacher's
// own event-type registry, and reacting to task transitions instead of
// external event payloads.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/eventbus"
	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

// FixChildPolicy decides what happens to the parent once a fix child
// completes. Left configurable per review strategy since the distilled
// spec names both behaviors as plausible without picking one.
type FixChildPolicy string

const (
	// FixResolvesParent transitions the parent straight to DONE once its
	// fix child completes.
	FixResolvesParent FixChildPolicy = "resolve_parent"
	// FixReopensForReverify sends the parent back to PENDING so the fixed
	// work is re-executed and re-reviewed from scratch.
	FixReopensForReverify FixChildPolicy = "reopen_for_reverify"
)

const (
	roleKey      = "review_role"
	roleChild    = "review_child"
	roleFixChild = "fix_child"
	strategyKey  = "review_strategy"

	// childTypeHumanApproval marks a strategy whose review step is a human
	// sign-off rather than an LLM critique child: onReview opens an
	// ApprovalStore record instead of spawning a child task, and the parent
	// stays in REVIEW until something external calls ResolveApproval.
	childTypeHumanApproval = "human_approval"

	defaultApprovalWaitSecs = 86400
)

// Strategy is the shape a task's metadata[review_strategy] must unmarshal
// into for the handler to act on a *→REVIEW transition.
type Strategy struct {
	ChildType      string         `json:"child_type"`
	ChildBackend   string         `json:"child_backend,omitempty"`
	FixChildType   string         `json:"fix_child_type,omitempty"`
	Criteria       []string       `json:"criteria,omitempty"`
	FixChildPolicy FixChildPolicy `json:"fix_child_policy,omitempty"`
	PromptTemplate string         `json:"prompt_template,omitempty"`

	// GateName identifies the approval gate when ChildType is
	// childTypeHumanApproval; defaults to "review".
	GateName string `json:"gate_name,omitempty"`
	// MaxWaitSecs bounds how long a human approval may stay pending before
	// a caller is expected to time it out; defaults to defaultApprovalWaitSecs.
	MaxWaitSecs int `json:"max_wait_secs,omitempty"`
}

func (s Strategy) gateName() string {
	if s.GateName == "" {
		return "review"
	}
	return s.GateName
}

func (s Strategy) maxWaitSecs() int {
	if s.MaxWaitSecs <= 0 {
		return defaultApprovalWaitSecs
	}
	return s.MaxWaitSecs
}

func (s Strategy) fixChildPolicy() FixChildPolicy {
	if s.FixChildPolicy == "" {
		return FixResolvesParent
	}
	return s.FixChildPolicy
}

// Verdict is the structured result a review child is expected to leave in
// its own Result field once it reaches DONE.
type Verdict struct {
	Verdict  string `json:"verdict"` // "bounce" | "approve" | "fix"
	Feedback string `json:"feedback,omitempty"`
}

// Handler subscribes to the event bus and spawns/resolves review and fix
// children, and opens/resolves human approval gates.
type Handler struct {
	tasks     *store.TaskStore
	approvals *store.ApprovalStore
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(tasks *store.TaskStore, approvals *store.ApprovalStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{tasks: tasks, approvals: approvals, logger: logger, tracer: otel.Tracer("flowkeeper/review")}
}

// Attach registers the handler's Handle method as a bus subscriber.
func (h *Handler) Attach(bus *eventbus.Bus) {
	bus.Subscribe(h.Handle)
}

// Handle reacts to one transition event. Errors are logged, never
// returned: the event bus contract is fire-and-forget.
func (h *Handler) Handle(ctx context.Context, ev eventbus.TransitionEvent) {
	ctx, span := h.tracer.Start(ctx, "review.Handle", trace.WithAttributes(
		attribute.String("task_id", ev.TaskID), attribute.String("to", string(ev.To))))
	defer span.End()

	switch ev.To {
	case task.StatusReview:
		h.onReview(ctx, ev.TaskID)
	case task.StatusDone:
		h.onDone(ctx, ev.TaskID)
	}
}

func (h *Handler) onReview(ctx context.Context, taskID string) {
	t, ok, err := h.tasks.Get(ctx, taskID)
	if err != nil || !ok {
		return
	}

	strategy, ok := decodeStrategy(t)
	if !ok {
		return
	}

	if strategy.ChildType == childTypeHumanApproval {
		h.openApproval(ctx, t, strategy)
		return
	}

	child := store.CreateTaskInput{
		Type:         strategy.ChildType,
		Backend:      strategy.ChildBackend,
		Prompt:       renderPrompt(strategy, t),
		ParentTaskID: t.ID,
		Metadata: map[string]interface{}{
			roleKey:    roleChild,
			"criteria": strategy.Criteria,
		},
	}
	if child.Type == "" {
		child.Type = "review"
	}

	if _, err := h.tasks.Create(ctx, child); err != nil {
		h.logger.Error("review handler failed to spawn review child", "parent_task_id", t.ID, "error", err)
	}
}

// openApproval requests a human sign-off for a task sitting in REVIEW. The
// parent is left in place; nothing further happens here until ResolveApproval
// is called with the human's decision.
func (h *Handler) openApproval(ctx context.Context, t task.Task, strategy Strategy) {
	if h.approvals == nil {
		h.logger.Error("review handler has no approval store configured", "task_id", t.ID)
		return
	}
	if _, err := h.approvals.Create(t.ID, strategy.gateName(), strategy.maxWaitSecs()); err != nil {
		h.logger.Error("review handler failed to open approval", "task_id", t.ID, "error", err)
	}
}

// ResolveApproval records a human reviewer's decision against a pending
// approval and drives the parent task's transition accordingly: approved
// moves it to DONE, anything else bounces it back to PENDING carrying the
// reviewer's comments as feedback. Calling this against an already-resolved
// or unknown gate is a no-op/error respectively, matching ApprovalStore's
// own idempotence.
func (h *Handler) ResolveApproval(ctx context.Context, taskID, gateName string, approved bool, reviewer, comments string) error {
	if h.approvals == nil {
		return fmt.Errorf("review handler has no approval store configured")
	}
	if rec, ok := h.approvals.Get(taskID, gateName); ok && rec.Status != "pending" {
		return nil
	}
	status := "rejected"
	if approved {
		status = "approved"
	}
	if err := h.approvals.Resolve(taskID, gateName, status, reviewer, comments); err != nil {
		return err
	}

	if approved {
		_, err := h.tasks.Transition(ctx, taskID, task.StatusDone, task.TransitionContext{}, reviewer)
		return err
	}
	_, err := h.tasks.Transition(ctx, taskID, task.StatusPending, task.TransitionContext{Feedback: comments}, reviewer)
	return err
}

func (h *Handler) onDone(ctx context.Context, taskID string) {
	t, ok, err := h.tasks.Get(ctx, taskID)
	if err != nil || !ok || t.ParentTaskID == "" {
		return
	}

	role, _ := t.Metadata[roleKey].(string)
	switch role {
	case roleChild:
		h.resolveReviewChild(ctx, t)
	case roleFixChild:
		h.resolveFixChild(ctx, t)
	}
}

func (h *Handler) resolveReviewChild(ctx context.Context, child task.Task) {
	var verdict Verdict
	if err := json.Unmarshal([]byte(child.Result), &verdict); err != nil {
		h.logger.Error("review handler could not parse verdict", "child_task_id", child.ID, "error", err)
		return
	}

	parent, ok, err := h.tasks.Get(ctx, child.ParentTaskID)
	if err != nil || !ok {
		return
	}
	strategy, _ := decodeStrategy(parent)

	switch verdict.Verdict {
	case "approve":
		if _, err := h.tasks.Transition(ctx, parent.ID, task.StatusDone, task.TransitionContext{}, "review-handler"); err != nil {
			h.logger.Error("review handler failed to approve parent", "parent_task_id", parent.ID, "error", err)
		}
	case "bounce":
		if _, err := h.tasks.Transition(ctx, parent.ID, task.StatusPending, task.TransitionContext{Feedback: verdict.Feedback}, "review-handler"); err != nil {
			h.logger.Error("review handler failed to bounce parent", "parent_task_id", parent.ID, "error", err)
		}
	case "fix":
		fixType := strategy.FixChildType
		if fixType == "" {
			fixType = parent.Type
		}
		fixChild := store.CreateTaskInput{
			Type:         fixType,
			Backend:      strategy.ChildBackend,
			Prompt:       fmt.Sprintf("Apply this fix to the prior result:\n\n%s\n\nOriginal result:\n%s", verdict.Feedback, parent.Result),
			ParentTaskID: parent.ID,
			Metadata:     map[string]interface{}{roleKey: roleFixChild},
		}
		if _, err := h.tasks.Create(ctx, fixChild); err != nil {
			h.logger.Error("review handler failed to spawn fix child", "parent_task_id", parent.ID, "error", err)
		}
	default:
		h.logger.Warn("review handler saw an unrecognized verdict", "child_task_id", child.ID, "verdict", verdict.Verdict)
	}
}

func (h *Handler) resolveFixChild(ctx context.Context, child task.Task) {
	parent, ok, err := h.tasks.Get(ctx, child.ParentTaskID)
	if err != nil || !ok {
		return
	}
	strategy, _ := decodeStrategy(parent)

	to := task.StatusDone
	tctx := task.TransitionContext{}
	if strategy.fixChildPolicy() == FixReopensForReverify {
		to = task.StatusPending
		tctx.Feedback = "fix applied, re-verifying"
	}

	if _, err := h.tasks.Transition(ctx, parent.ID, to, tctx, "review-handler"); err != nil {
		h.logger.Error("review handler failed to resolve parent after fix", "parent_task_id", parent.ID, "error", err)
	}
}

func decodeStrategy(t task.Task) (Strategy, bool) {
	raw, ok := t.Metadata[strategyKey]
	if !ok {
		return Strategy{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Strategy{}, false
	}
	var s Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		return Strategy{}, false
	}
	return s, true
}

func renderPrompt(strategy Strategy, parent task.Task) string {
	if strategy.PromptTemplate != "" {
		return fmt.Sprintf(strategy.PromptTemplate, parent.Result)
	}
	return fmt.Sprintf("Review the following result against criteria %v:\n\n%s", strategy.Criteria, parent.Result)
}
