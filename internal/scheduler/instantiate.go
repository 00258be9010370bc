package scheduler

import (
	"context"

	"github.com/flowkeeper/kernel/internal/store"
)

// NewTaskInstantiator returns the default Instantiator: one PENDING task
// per fire, stamped directly from the schedule's own fields. Callers with
// richer templates (multi-task fan-out, DAG runs) supply their own
// Instantiator instead of this one.
func NewTaskInstantiator(tasks *store.TaskStore) Instantiator {
	return func(ctx context.Context, cfg store.ScheduleConfig) error {
		_, err := tasks.Create(ctx, store.CreateTaskInput{
			Type:     cfg.TaskType,
			Backend:  cfg.Backend,
			Priority: cfg.Priority,
			Prompt:   cfg.Prompt,
			Metadata: cfg.Metadata,
		})
		return err
	}
}
