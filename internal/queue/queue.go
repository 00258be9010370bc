// Package queue provides the read-side priority ordering over tasks held
// by the store: it owns no persistent state of its own, it only orders and
// reorders what internal/store already holds.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/task"
)

// errRankExhausted signals that no integer midpoint exists between two
// neighboring ranks, meaning the bucket needs a renumber before the
// requested placement can be computed.
var errRankExhausted = errors.New("rank space exhausted between neighbors")

// TaskLister is the read-side surface the queue needs from the store.
type TaskLister interface {
	List(ctx context.Context, filter store.TaskFilter) ([]task.Task, error)
}

// Ranker exposes the manual-rank mutation the queue's Reorder needs; it is
// satisfied by *store.TaskStore's Update method.
type Ranker interface {
	Update(ctx context.Context, id, actor, note string, mutate func(*task.Task) error) (task.Task, error)
}

// Ready returns every PENDING task whose depends_on set is entirely DONE,
// ordered per the kernel's ordering rule: priority ascending, manual_rank
// ascending (tasks without a manual rank sort after every ranked task
// within the same priority bucket), created_at ascending, id ascending.
func Ready(ctx context.Context, lister TaskLister) ([]task.Task, error) {
	all, err := lister.List(ctx, store.TaskFilter{Status: task.StatusPending})
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}

	doneSet, err := doneTaskIDs(ctx, lister)
	if err != nil {
		return nil, err
	}

	ready := make([]task.Task, 0, len(all))
	for _, t := range all {
		if dependenciesSatisfied(t, doneSet) {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
	return ready, nil
}

func doneTaskIDs(ctx context.Context, lister TaskLister) (map[string]bool, error) {
	done, err := lister.List(ctx, store.TaskFilter{Status: task.StatusDone})
	if err != nil {
		return nil, fmt.Errorf("list done tasks: %w", err)
	}
	set := make(map[string]bool, len(done))
	for _, t := range done {
		set[t.ID] = true
	}
	return set, nil
}

func dependenciesSatisfied(t task.Task, done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

func less(a, b task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if (a.ManualRank == nil) != (b.ManualRank == nil) {
		return a.ManualRank != nil // ranked before unranked
	}
	if a.ManualRank != nil && b.ManualRank != nil && *a.ManualRank != *b.ManualRank {
		return *a.ManualRank < *b.ManualRank
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Anchor selects where Reorder places a task relative to its priority
// bucket's current ordering.
type Anchor struct {
	Top    bool
	Before string // task id
	After  string // task id
}

// Reorder rewrites manual_rank for taskID so it lands at the requested
// position among its priority-bucket siblings. Ranks are assigned as
// midpoints between neighbors (falling back to a full renumber on
// exhaustion) so a single reorder never needs to touch every sibling row.
func Reorder(ctx context.Context, lister TaskLister, ranker Ranker, taskID string, anchor Anchor) error {
	siblings, err := priorityBucketSiblings(ctx, lister, taskID)
	if err != nil {
		return err
	}

	rank, err := computeRank(siblings, taskID, anchor)
	if errors.Is(err, errRankExhausted) {
		siblings, err = renumber(ctx, ranker, siblings, taskID)
		if err != nil {
			return err
		}
		rank, err = computeRank(siblings, taskID, anchor)
	}
	if err != nil {
		return err
	}

	_, err = ranker.Update(ctx, taskID, "system", "reorder", func(t *task.Task) error {
		t.ManualRank = &rank
		return nil
	})
	return err
}

// renumber reassigns every other ranked sibling an evenly spaced rank
// (multiples of 1024, in their current order), giving midpoint math room
// again, then returns the sibling list with those fresh ranks applied so
// the caller can immediately recompute taskID's placement against them.
func renumber(ctx context.Context, ranker Ranker, siblings []task.Task, taskID string) ([]task.Task, error) {
	const spacing = 1024
	next := int64(0)
	updated := make([]task.Task, 0, len(siblings))
	for _, t := range siblings {
		if t.ID == taskID || t.ManualRank == nil {
			updated = append(updated, t)
			continue
		}
		rank := next
		next += spacing
		if _, err := ranker.Update(ctx, t.ID, "system", "renumber", func(mt *task.Task) error {
			mt.ManualRank = &rank
			return nil
		}); err != nil {
			return nil, fmt.Errorf("renumber sibling %s: %w", t.ID, err)
		}
		t.ManualRank = &rank
		updated = append(updated, t)
	}
	return updated, nil
}

func priorityBucketSiblings(ctx context.Context, lister TaskLister, taskID string) ([]task.Task, error) {
	all, err := lister.List(ctx, store.TaskFilter{Status: task.StatusPending})
	if err != nil {
		return nil, err
	}

	var target *task.Task
	for i := range all {
		if all[i].ID == taskID {
			target = &all[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("task %s not found among pending tasks", taskID)
	}

	var siblings []task.Task
	for _, t := range all {
		if t.Priority == target.Priority {
			siblings = append(siblings, t)
		}
	}
	sort.SliceStable(siblings, func(i, j int) bool { return less(siblings[i], siblings[j]) })
	return siblings, nil
}

func computeRank(siblings []task.Task, taskID string, anchor Anchor) (int64, error) {
	ranked := make([]task.Task, 0, len(siblings))
	for _, t := range siblings {
		if t.ID != taskID && t.ManualRank != nil {
			ranked = append(ranked, t)
		}
	}

	switch {
	case anchor.Top:
		if len(ranked) == 0 {
			return 0, nil
		}
		return *ranked[0].ManualRank - 1024, nil

	case anchor.Before != "":
		return rankRelativeTo(ranked, anchor.Before, true)

	case anchor.After != "":
		return rankRelativeTo(ranked, anchor.After, false)

	default:
		return 0, fmt.Errorf("reorder requires top, before, or after")
	}
}

func rankRelativeTo(ranked []task.Task, anchorID string, before bool) (int64, error) {
	idx := -1
	for i, t := range ranked {
		if t.ID == anchorID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("anchor task %s not found or has no manual_rank", anchorID)
	}

	if before {
		if idx == 0 {
			return *ranked[idx].ManualRank - 1024, nil
		}
		return midpoint(*ranked[idx-1].ManualRank, *ranked[idx].ManualRank)
	}

	if idx == len(ranked)-1 {
		return *ranked[idx].ManualRank + 1024, nil
	}
	return midpoint(*ranked[idx].ManualRank, *ranked[idx+1].ManualRank)
}

func midpoint(low, high int64) (int64, error) {
	if high-low <= 1 {
		return 0, errRankExhausted
	}
	return low + (high-low)/2, nil
}
