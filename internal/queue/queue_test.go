package queue

import (
	"context"
	"testing"
	"time"

	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

type fakeStore struct {
	tasks map[string]task.Task
}

func newFakeStore(tasks ...task.Task) *fakeStore {
	fs := &fakeStore{tasks: make(map[string]task.Task)}
	for _, t := range tasks {
		fs.tasks[t.ID] = t
	}
	return fs
}

func (f *fakeStore) List(ctx context.Context, filter store.TaskFilter) ([]task.Task, error) {
	var out []task.Task
	for _, t := range f.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) Update(ctx context.Context, id, actor, note string, mutate func(*task.Task) error) (task.Task, error) {
	t := f.tasks[id]
	if err := mutate(&t); err != nil {
		return task.Task{}, err
	}
	f.tasks[id] = t
	return t, nil
}

func rankPtr(v int64) *int64 { return &v }

func TestReadyOrdersByPriorityThenRankThenCreatedAt(t *testing.T) {
	now := time.Now()
	fs := newFakeStore(
		task.Task{ID: "b", Status: task.StatusPending, Priority: 1, CreatedAt: now},
		task.Task{ID: "a", Status: task.StatusPending, Priority: 0, ManualRank: rankPtr(5), CreatedAt: now},
		task.Task{ID: "c", Status: task.StatusPending, Priority: 0, CreatedAt: now.Add(-time.Minute)},
		task.Task{ID: "d", Status: task.StatusPending, Priority: 0, ManualRank: rankPtr(1), CreatedAt: now},
	)

	ready, err := Ready(context.Background(), fs)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	got := make([]string, len(ready))
	for i, r := range ready {
		got[i] = r.ID
	}
	want := []string{"d", "a", "c", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestReadyExcludesUnsatisfiedDependencies(t *testing.T) {
	fs := newFakeStore(
		task.Task{ID: "a", Status: task.StatusPending, DependsOn: []string{"b"}},
		task.Task{ID: "b", Status: task.StatusDone},
		task.Task{ID: "c", Status: task.StatusPending, DependsOn: []string{"missing"}},
	)

	ready, err := Ready(context.Background(), fs)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only 'a' to be ready, got %+v", ready)
	}
}

func TestReorderTopPlacesBeforeLowestRank(t *testing.T) {
	fs := newFakeStore(
		task.Task{ID: "a", Status: task.StatusPending, Priority: 0, ManualRank: rankPtr(10)},
		task.Task{ID: "b", Status: task.StatusPending, Priority: 0},
	)

	if err := Reorder(context.Background(), fs, fs, "b", Anchor{Top: true}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	b := fs.tasks["b"]
	if b.ManualRank == nil || *b.ManualRank >= 10 {
		t.Fatalf("expected b's rank to precede a's, got %+v", b.ManualRank)
	}
}

func TestReorderBeforeAnchorComputesMidpoint(t *testing.T) {
	fs := newFakeStore(
		task.Task{ID: "a", Status: task.StatusPending, Priority: 0, ManualRank: rankPtr(0)},
		task.Task{ID: "b", Status: task.StatusPending, Priority: 0, ManualRank: rankPtr(100)},
		task.Task{ID: "c", Status: task.StatusPending, Priority: 0},
	)

	if err := Reorder(context.Background(), fs, fs, "c", Anchor{Before: "b"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	c := fs.tasks["c"]
	if c.ManualRank == nil || *c.ManualRank <= 0 || *c.ManualRank >= 100 {
		t.Fatalf("expected c's rank between a and b, got %+v", c.ManualRank)
	}
}

func TestReorderRenumbersWhenRanksAreAdjacent(t *testing.T) {
	fs := newFakeStore(
		task.Task{ID: "a", Status: task.StatusPending, Priority: 0, ManualRank: rankPtr(0)},
		task.Task{ID: "b", Status: task.StatusPending, Priority: 0, ManualRank: rankPtr(1)},
		task.Task{ID: "c", Status: task.StatusPending, Priority: 0},
	)

	if err := Reorder(context.Background(), fs, fs, "c", Anchor{Before: "b"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	a, b, c := fs.tasks["a"], fs.tasks["b"], fs.tasks["c"]
	if a.ManualRank == nil || b.ManualRank == nil || c.ManualRank == nil {
		t.Fatalf("expected every sibling to hold a rank after renumber, got a=%+v b=%+v c=%+v", a.ManualRank, b.ManualRank, c.ManualRank)
	}
	if !(*a.ManualRank < *c.ManualRank && *c.ManualRank < *b.ManualRank) {
		t.Fatalf("expected a < c < b after renumber, got a=%d c=%d b=%d", *a.ManualRank, *c.ManualRank, *b.ManualRank)
	}
}
