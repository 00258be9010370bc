package review

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

func newTestStore(t *testing.T) *store.TaskStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	audit := store.NewAuditLog(db)
	ts, err := store.NewTaskStore(db, audit, noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	return ts
}

func newTestStoreWithApprovals(t *testing.T) (*store.TaskStore, *store.ApprovalStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	audit := store.NewAuditLog(db)
	ts, err := store.NewTaskStore(db, audit, noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	approvals, err := store.NewApprovalStore(db)
	if err != nil {
		t.Fatalf("new approval store: %v", err)
	}
	return ts, approvals
}

func leaseAndReview(t *testing.T, ts *store.TaskStore, id string, result string) task.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := ts.Transition(ctx, id, task.StatusInProgress, task.TransitionContext{LeaseOwner: "w1", LeaseTTL: time.Hour}, "w1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	got, err := ts.Transition(ctx, id, task.StatusReview, task.TransitionContext{Result: result}, "w1")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	return got
}

func childOf(t *testing.T, ts *store.TaskStore, parentID string) task.Task {
	t.Helper()
	all, err := ts.List(context.Background(), store.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, tk := range all {
		if tk.ParentTaskID == parentID {
			return tk
		}
	}
	t.Fatalf("no child found for parent %s", parentID)
	return task.Task{}
}

func TestOnReviewSpawnsChildWhenStrategyDeclared(t *testing.T) {
	ts := newTestStore(t)
	h := New(ts, nil, nil)
	ctx := context.Background()

	created, err := ts.Create(ctx, store.CreateTaskInput{
		Type: "chat", MaxAttempts: 5,
		Metadata: map[string]interface{}{
			strategyKey: Strategy{ChildType: "review", Criteria: []string{"correctness"}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	leaseAndReview(t, ts, created.ID, "the answer is 42")

	h.onReview(ctx, created.ID)

	child := childOf(t, ts, created.ID)
	if child.Type != "review" {
		t.Fatalf("expected child type review, got %s", child.Type)
	}
	role, _ := child.Metadata[roleKey].(string)
	if role != roleChild {
		t.Fatalf("expected role %s, got %s", roleChild, role)
	}
}

func TestOnReviewSkipsTaskWithoutStrategy(t *testing.T) {
	ts := newTestStore(t)
	h := New(ts, nil, nil)
	ctx := context.Background()

	created, err := ts.Create(ctx, store.CreateTaskInput{Type: "chat", MaxAttempts: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	leaseAndReview(t, ts, created.ID, "ok")

	h.onReview(ctx, created.ID)

	all, _ := ts.List(ctx, store.TaskFilter{})
	if len(all) != 1 {
		t.Fatalf("expected no child spawned, got %d tasks total", len(all))
	}
}

func TestReviewChildApproveResolvesParent(t *testing.T) {
	ts := newTestStore(t)
	h := New(ts, nil, nil)
	ctx := context.Background()

	parent, _ := ts.Create(ctx, store.CreateTaskInput{
		Type: "chat", MaxAttempts: 5,
		Metadata: map[string]interface{}{strategyKey: Strategy{ChildType: "review"}},
	})
	leaseAndReview(t, ts, parent.ID, "result")
	h.onReview(ctx, parent.ID)
	child := childOf(t, ts, parent.ID)

	verdict, _ := json.Marshal(Verdict{Verdict: "approve"})
	leaseAndReview(t, ts, child.ID, string(verdict))
	doneChild, err := ts.Transition(ctx, child.ID, task.StatusDone, task.TransitionContext{}, "reviewer")
	if err != nil {
		t.Fatalf("complete child: %v", err)
	}

	h.onDone(ctx, doneChild.ID)

	got, _, _ := ts.Get(ctx, parent.ID)
	if got.Status != task.StatusDone {
		t.Fatalf("expected parent DONE, got %s", got.Status)
	}
}

func TestReviewChildBounceSendsParentToPending(t *testing.T) {
	ts := newTestStore(t)
	h := New(ts, nil, nil)
	ctx := context.Background()

	parent, _ := ts.Create(ctx, store.CreateTaskInput{
		Type: "chat", MaxAttempts: 5, MaxBounces: 3,
		Metadata: map[string]interface{}{strategyKey: Strategy{ChildType: "review"}},
	})
	leaseAndReview(t, ts, parent.ID, "result")
	h.onReview(ctx, parent.ID)
	child := childOf(t, ts, parent.ID)

	verdict, _ := json.Marshal(Verdict{Verdict: "bounce", Feedback: "missing edge case"})
	leaseAndReview(t, ts, child.ID, string(verdict))
	doneChild, err := ts.Transition(ctx, child.ID, task.StatusDone, task.TransitionContext{}, "reviewer")
	if err != nil {
		t.Fatalf("complete child: %v", err)
	}

	h.onDone(ctx, doneChild.ID)

	got, _, _ := ts.Get(ctx, parent.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("expected parent PENDING, got %s", got.Status)
	}
	if got.BounceCount != 1 {
		t.Fatalf("expected bounce_count=1, got %d", got.BounceCount)
	}
	if len(got.FeedbackHistory) != 1 || got.FeedbackHistory[0].Feedback != "missing edge case" {
		t.Fatalf("expected feedback recorded, got %+v", got.FeedbackHistory)
	}
}

func TestReviewChildFixSpawnsFixChild(t *testing.T) {
	ts := newTestStore(t)
	h := New(ts, nil, nil)
	ctx := context.Background()

	parent, _ := ts.Create(ctx, store.CreateTaskInput{
		Type: "chat", MaxAttempts: 5,
		Metadata: map[string]interface{}{strategyKey: Strategy{ChildType: "review", FixChildType: "chat"}},
	})
	leaseAndReview(t, ts, parent.ID, "result")
	h.onReview(ctx, parent.ID)
	reviewChild := childOf(t, ts, parent.ID)

	verdict, _ := json.Marshal(Verdict{Verdict: "fix", Feedback: "tighten the wording"})
	leaseAndReview(t, ts, reviewChild.ID, string(verdict))
	doneChild, err := ts.Transition(ctx, reviewChild.ID, task.StatusDone, task.TransitionContext{}, "reviewer")
	if err != nil {
		t.Fatalf("complete review child: %v", err)
	}

	h.onDone(ctx, doneChild.ID)

	all, _ := ts.List(ctx, store.TaskFilter{})
	var fixChild *task.Task
	for i := range all {
		if all[i].ParentTaskID == parent.ID {
			role, _ := all[i].Metadata[roleKey].(string)
			if role == roleFixChild {
				fixChild = &all[i]
			}
		}
	}
	if fixChild == nil {
		t.Fatalf("expected a fix child to be spawned")
	}

	got, _, _ := ts.Get(ctx, parent.ID)
	if got.Status != task.StatusReview {
		t.Fatalf("expected parent to remain in REVIEW while fix child runs, got %s", got.Status)
	}
}

func TestOnReviewOpensApprovalForHumanStrategy(t *testing.T) {
	ts, approvals := newTestStoreWithApprovals(t)
	h := New(ts, approvals, nil)
	ctx := context.Background()

	created, err := ts.Create(ctx, store.CreateTaskInput{
		Type: "deploy", MaxAttempts: 5,
		Metadata: map[string]interface{}{
			strategyKey: Strategy{ChildType: childTypeHumanApproval, GateName: "release-signoff"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	leaseAndReview(t, ts, created.ID, "built artifact v1.2.3")

	h.onReview(ctx, created.ID)

	rec, ok := approvals.Get(created.ID, "release-signoff")
	if !ok {
		t.Fatalf("expected an approval record to be opened")
	}
	if rec.Status != "pending" {
		t.Fatalf("expected pending status, got %s", rec.Status)
	}

	all, _ := ts.List(ctx, store.TaskFilter{})
	if len(all) != 1 {
		t.Fatalf("expected no child task spawned for a human approval strategy, got %d tasks", len(all))
	}
}

func TestResolveApprovalApproveCompletesParent(t *testing.T) {
	ts, approvals := newTestStoreWithApprovals(t)
	h := New(ts, approvals, nil)
	ctx := context.Background()

	created, _ := ts.Create(ctx, store.CreateTaskInput{
		Type: "deploy", MaxAttempts: 5,
		Metadata: map[string]interface{}{
			strategyKey: Strategy{ChildType: childTypeHumanApproval},
		},
	})
	leaseAndReview(t, ts, created.ID, "built artifact")
	h.onReview(ctx, created.ID)

	if err := h.ResolveApproval(ctx, created.ID, "review", true, "alice", "looks good"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _, _ := ts.Get(ctx, created.ID)
	if got.Status != task.StatusDone {
		t.Fatalf("expected parent DONE, got %s", got.Status)
	}
	rec, _ := approvals.Get(created.ID, "review")
	if rec.Status != "approved" || rec.Reviewer != "alice" {
		t.Fatalf("expected approved record by alice, got %+v", rec)
	}
}

func TestResolveApprovalRejectBouncesParent(t *testing.T) {
	ts, approvals := newTestStoreWithApprovals(t)
	h := New(ts, approvals, nil)
	ctx := context.Background()

	created, _ := ts.Create(ctx, store.CreateTaskInput{
		Type: "deploy", MaxAttempts: 5, MaxBounces: 3,
		Metadata: map[string]interface{}{
			strategyKey: Strategy{ChildType: childTypeHumanApproval},
		},
	})
	leaseAndReview(t, ts, created.ID, "built artifact")
	h.onReview(ctx, created.ID)

	if err := h.ResolveApproval(ctx, created.ID, "review", false, "bob", "missing changelog"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _, _ := ts.Get(ctx, created.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("expected parent bounced to PENDING, got %s", got.Status)
	}
	if len(got.FeedbackHistory) != 1 || got.FeedbackHistory[0].Feedback != "missing changelog" {
		t.Fatalf("expected rejection comments recorded as feedback, got %+v", got.FeedbackHistory)
	}
}

func TestFixChildDoneResolvesParentPerPolicy(t *testing.T) {
	ts := newTestStore(t)
	h := New(ts, nil, nil)
	ctx := context.Background()

	parent, _ := ts.Create(ctx, store.CreateTaskInput{
		Type: "chat", MaxAttempts: 5,
		Metadata: map[string]interface{}{strategyKey: Strategy{FixChildPolicy: FixReopensForReverify}},
	})
	leaseAndReview(t, ts, parent.ID, "result")

	fixChild, err := ts.Create(ctx, store.CreateTaskInput{
		Type: "chat", MaxAttempts: 5, ParentTaskID: parent.ID,
		Metadata: map[string]interface{}{roleKey: roleFixChild},
	})
	if err != nil {
		t.Fatalf("create fix child: %v", err)
	}
	leaseAndReview(t, ts, fixChild.ID, "fixed result")
	doneFix, err := ts.Transition(ctx, fixChild.ID, task.StatusDone, task.TransitionContext{}, "reviewer")
	if err != nil {
		t.Fatalf("complete fix child: %v", err)
	}

	h.onDone(ctx, doneFix.ID)

	got, _, _ := ts.Get(ctx, parent.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("expected reopen_for_reverify to send parent back to PENDING, got %s", got.Status)
	}
}
