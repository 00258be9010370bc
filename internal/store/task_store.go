package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/kernelerr"
	"github.com/flowkeeper/kernel/internal/task"
)

const taskUpdateRetries = 3

// CreateTaskInput carries the caller-supplied fields for a new task; the
// store fills in ID, status, timestamps, and attempt/bounce defaults.
type CreateTaskInput struct {
	Type               string
	Backend            string
	Priority           int32
	Summary            string
	Prompt             string
	AcceptanceCriteria []string
	DefinitionOfDone   []string
	BackendConfig      task.BackendConfig
	MaxAttempts        int
	MaxBounces         int
	PipelineID         string
	PipelineStep       int
	DependsOn          []string
	ParentTaskID       string
	Metadata           map[string]interface{}
}

// TaskFilter narrows List results. Zero values are wildcards.
type TaskFilter struct {
	Status     task.Status
	Type       string
	PipelineID string
	Backend    string
}

// EventPublisher receives a fire-and-forget notification after a transition
// has committed. Implementations must not block the caller for long; the
// eventbus package's implementation runs each subscriber and the NATS
// publish in its own detached goroutine.
type EventPublisher interface {
	PublishTransition(ctx context.Context, before, after task.Task)
}

// TaskStore is the task-row half of the durable store: create, read,
// list, generic update, and the guarded state-machine transition, all
// serialized per-task via an in-memory warm cache backed by bbolt.
type TaskStore struct {
	db    *Store
	audit *AuditLog

	mu    sync.RWMutex
	cache map[string]task.Task

	eventPub EventPublisher

	tracer trace.Tracer

	createCounter     metric.Int64Counter
	transitionCounter metric.Int64Counter
	concurrencyRetries metric.Int64Counter
}

func NewTaskStore(db *Store, audit *AuditLog, meter metric.Meter) (*TaskStore, error) {
	ts := &TaskStore{
		db:     db,
		audit:  audit,
		cache:  make(map[string]task.Task),
		tracer: otel.Tracer("flowkeeper/store"),
	}
	ts.createCounter, _ = meter.Int64Counter("flowkeeper_store_tasks_created_total")
	ts.transitionCounter, _ = meter.Int64Counter("flowkeeper_store_transitions_total")
	ts.concurrencyRetries, _ = meter.Int64Counter("flowkeeper_store_concurrency_retries_total")

	if err := ts.warmCache(); err != nil {
		return nil, err
	}
	return ts, nil
}

// SetEventPublisher wires an optional post-commit publisher. Called once
// during kernel bootstrap; nil is valid and means "no fan-out".
func (ts *TaskStore) SetEventPublisher(p EventPublisher) {
	ts.eventPub = p
}

func (ts *TaskStore) warmCache() error {
	return ts.db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshal task %s: %w", k, err)
			}
			ts.cache[t.ID] = t
			return nil
		})
	})
}

func (ts *TaskStore) putLocked(tx *bbolt.Tx, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
}

// Create inserts a new row in StatusPending with generated identity fields.
func (ts *TaskStore) Create(ctx context.Context, in CreateTaskInput) (task.Task, error) {
	ctx, span := ts.tracer.Start(ctx, "TaskStore.Create")
	defer span.End()

	now := time.Now().UTC()
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultMaxAttempts
	}
	maxBounces := in.MaxBounces
	if maxBounces <= 0 {
		maxBounces = task.DefaultMaxBounces
	}

	t := task.Task{
		ID:                 NewTaskID(),
		Type:               in.Type,
		Backend:            in.Backend,
		Priority:           in.Priority,
		Summary:            in.Summary,
		Prompt:             in.Prompt,
		AcceptanceCriteria: in.AcceptanceCriteria,
		DefinitionOfDone:   in.DefinitionOfDone,
		BackendConfig:      in.BackendConfig,
		Status:             task.StatusPending,
		MaxAttempts:        maxAttempts,
		MaxBounces:         maxBounces,
		PipelineID:         in.PipelineID,
		PipelineStep:       in.PipelineStep,
		DependsOn:          in.DependsOn,
		ParentTaskID:       in.ParentTaskID,
		Metadata:           in.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := ts.db.db.Update(func(tx *bbolt.Tx) error {
		if err := ts.putLocked(tx, t); err != nil {
			return err
		}
		return ts.audit.Append(tx, AuditEntry{
			TaskID:    t.ID,
			Actor:     "system",
			FromState: "",
			ToState:   string(task.StatusPending),
			Note:      "created",
			CreatedAt: now,
		})
	})
	if err != nil {
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}

	ts.mu.Lock()
	ts.cache[t.ID] = t
	ts.mu.Unlock()

	if ts.createCounter != nil {
		ts.createCounter.Add(ctx, 1)
	}
	return t.Clone(), nil
}

// Get returns a cloned snapshot; the caller never observes a row being
// mutated in place underneath it.
func (ts *TaskStore) Get(ctx context.Context, id string) (task.Task, bool, error) {
	ts.mu.RLock()
	t, ok := ts.cache[id]
	ts.mu.RUnlock()
	if !ok {
		return task.Task{}, false, nil
	}
	return t.Clone(), true, nil
}

// List returns a filtered, cloned snapshot of the cache. Ordering is left
// to the caller (the queue package applies its own ordering rules).
func (ts *TaskStore) List(ctx context.Context, filter TaskFilter) ([]task.Task, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make([]task.Task, 0, len(ts.cache))
	for _, t := range ts.cache {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.PipelineID != "" && t.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Backend != "" && t.Backend != filter.Backend {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// Update applies an arbitrary read-modify-write mutation to a row. It
// re-reads the row fresh on each attempt and fails the write if the stored
// UpdatedAt no longer matches what mutate() was given, retrying up to
// taskUpdateRetries times before surfacing kernelerr.ConcurrencyError.
func (ts *TaskStore) Update(ctx context.Context, id string, actor, note string, mutate func(*task.Task) error) (task.Task, error) {
	ctx, span := ts.tracer.Start(ctx, "TaskStore.Update")
	defer span.End()

	for attempt := 0; attempt < taskUpdateRetries; attempt++ {
		ts.mu.RLock()
		current, ok := ts.cache[id]
		ts.mu.RUnlock()
		if !ok {
			return task.Task{}, fmt.Errorf("task %s not found", id)
		}

		before := current.Clone()
		updated := current.Clone()
		if err := mutate(&updated); err != nil {
			return task.Task{}, err
		}
		updated.UpdatedAt = time.Now().UTC()

		conflict := false
		err := ts.db.db.Update(func(tx *bbolt.Tx) error {
			raw := tx.Bucket(bucketTasks).Get([]byte(id))
			if raw == nil {
				return fmt.Errorf("task %s vanished", id)
			}
			var onDisk task.Task
			if err := json.Unmarshal(raw, &onDisk); err != nil {
				return err
			}
			if !onDisk.UpdatedAt.Equal(before.UpdatedAt) {
				conflict = true
				return nil
			}
			if err := ts.putLocked(tx, updated); err != nil {
				return err
			}
			return ts.audit.Append(tx, AuditEntry{
				TaskID:    id,
				Actor:     actor,
				FromState: string(before.Status),
				ToState:   string(updated.Status),
				Note:      note,
				CreatedAt: updated.UpdatedAt,
			})
		})
		if err != nil {
			return task.Task{}, fmt.Errorf("update task %s: %w", id, err)
		}
		if conflict {
			if ts.concurrencyRetries != nil {
				ts.concurrencyRetries.Add(ctx, 1)
			}
			continue
		}

		ts.mu.Lock()
		ts.cache[id] = updated
		ts.mu.Unlock()
		return updated.Clone(), nil
	}

	return task.Task{}, &kernelerr.ConcurrencyError{TaskID: id}
}

// Transition validates and applies a state-machine move, persisting the
// resulting Patch and the current row atomically, then appending an audit
// entry and firing the optional event publisher. Concurrent contenders for
// the same row (e.g. two dispatcher loops racing a lease) serialize through
// the same CAS-and-retry path Update uses; a loser whose read state has
// already moved on simply fails validation against the now-stale `from`.
func (ts *TaskStore) Transition(ctx context.Context, id string, to task.Status, tctx task.TransitionContext, actor string) (task.Task, error) {
	ctx, span := ts.tracer.Start(ctx, "TaskStore.Transition", trace.WithAttributes())
	defer span.End()

	if tctx.Now.IsZero() {
		tctx.Now = time.Now().UTC()
	}

	var result task.Task
	for attempt := 0; attempt < taskUpdateRetries; attempt++ {
		ts.mu.RLock()
		current, ok := ts.cache[id]
		ts.mu.RUnlock()
		if !ok {
			return task.Task{}, fmt.Errorf("task %s not found", id)
		}

		if tctx.ExpectedLeaseOwner != "" && current.Status == task.StatusInProgress {
			if current.LeaseOwner == nil || *current.LeaseOwner != tctx.ExpectedLeaseOwner {
				owned := ""
				if current.LeaseOwner != nil {
					owned = *current.LeaseOwner
				}
				return task.Task{}, &kernelerr.LeaseExpiredError{
					TaskID:      id,
					OwnedBy:     owned,
					AttemptedBy: tctx.ExpectedLeaseOwner,
				}
			}
		}

		if err := task.ValidateTransition(current, to, tctx); err != nil {
			return task.Task{}, err
		}
		patch := task.ApplyTransition(current, to, tctx)

		before := current.Clone()
		updated := applyPatch(current.Clone(), patch)

		conflict := false
		err := ts.db.db.Update(func(tx *bbolt.Tx) error {
			raw := tx.Bucket(bucketTasks).Get([]byte(id))
			if raw == nil {
				return fmt.Errorf("task %s vanished", id)
			}
			var onDisk task.Task
			if err := json.Unmarshal(raw, &onDisk); err != nil {
				return err
			}
			if !onDisk.UpdatedAt.Equal(before.UpdatedAt) {
				conflict = true
				return nil
			}
			if err := ts.putLocked(tx, updated); err != nil {
				return err
			}
			beforeJSON, _ := json.Marshal(before)
			afterJSON, _ := json.Marshal(updated)
			return ts.audit.Append(tx, AuditEntry{
				TaskID:    id,
				Actor:     actor,
				FromState: string(before.Status),
				ToState:   string(updated.Status),
				Before:    string(beforeJSON),
				After:     string(afterJSON),
				CreatedAt: updated.UpdatedAt,
			})
		})
		if err != nil {
			return task.Task{}, fmt.Errorf("transition task %s: %w", id, err)
		}
		if conflict {
			if ts.concurrencyRetries != nil {
				ts.concurrencyRetries.Add(ctx, 1)
			}
			continue
		}

		ts.mu.Lock()
		ts.cache[id] = updated
		ts.mu.Unlock()

		if ts.transitionCounter != nil {
			ts.transitionCounter.Add(ctx, 1)
		}
		if ts.eventPub != nil {
			ts.eventPub.PublishTransition(ctx, before, updated)
		}
		result = updated
		return result.Clone(), nil
	}

	return task.Task{}, &kernelerr.ConcurrencyError{TaskID: id}
}

// Release clears the lease fields of a row whose lease owner matches owner,
// with no status change; it fails when owner does not hold the lease.
func (ts *TaskStore) Release(ctx context.Context, id, owner string) error {
	_, err := ts.Update(ctx, id, "system", "lease released", func(t *task.Task) error {
		if t.LeaseOwner == nil || *t.LeaseOwner != owner {
			return fmt.Errorf("task %s lease not held by %s", id, owner)
		}
		t.LeaseOwner = nil
		t.LeaseExpiresAt = nil
		return nil
	})
	return err
}

// applyPatch mutates a cloned Task in place per a task.Patch.
func applyPatch(t task.Task, p task.Patch) task.Task {
	t.Status = p.Status
	if p.SetLeaseOwner {
		t.LeaseOwner = p.LeaseOwner
	}
	if p.SetLeaseExpiresAt {
		t.LeaseExpiresAt = p.LeaseExpiresAt
	}
	if p.IncrementAttempt {
		t.AttemptCount++
	}
	if p.IncrementBounce {
		t.BounceCount++
	}
	if p.SetResult {
		t.Result = p.Result
	}
	if p.SetEvidenceRef {
		t.EvidenceRef = p.EvidenceRef
	}
	if p.SetLastError {
		t.LastError = p.LastError
	}
	if p.AppendFeedback != nil {
		t.FeedbackHistory = append(t.FeedbackHistory, *p.AppendFeedback)
	}
	return t
}
