// Package scheduler fires template instantiations on a recurring trigger,
// persisting last_run_at/next_run_at so a restart resumes the same
// schedule instead of re-firing everything immediately. Grounded on the
// teacher's own Scheduler (services/orchestrator/scheduler.go): same
// per-entry timer-goroutine shape and the same "cron_expr OR interval"
// duality, here reusing internal/config's Nm/Nh/Nd grammar as the
// primary trigger syntax and falling back to a standard cron expression
// (github.com/robfig/cron/v3) for schedules that need calendar alignment
// rather than a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/config"
	"github.com/flowkeeper/kernel/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// trigger is the parsed form of a ScheduleConfig's Trigger string: either a
// fixed interval (Nm/Nh/Nd/Go duration syntax) or a cron schedule.
type trigger struct {
	every time.Duration
	cron  cron.Schedule
}

func parseTrigger(raw string) (trigger, error) {
	if d, err := config.ParseDuration(raw); err == nil {
		return trigger{every: d}, nil
	}
	sched, err := cronParser.Parse(raw)
	if err != nil {
		return trigger{}, fmt.Errorf("trigger %q is neither a duration nor a cron expression: %w", raw, err)
	}
	return trigger{cron: sched}, nil
}

func (t trigger) next(from time.Time) time.Time {
	if t.cron != nil {
		return t.cron.Next(from)
	}
	return from.Add(t.every)
}

// Instantiator turns a fired ScheduleConfig into one or more PENDING tasks.
// The default implementation stamps out a single task from the schedule's
// own fields; a caller wanting multi-task templates supplies its own.
type Instantiator func(ctx context.Context, cfg store.ScheduleConfig) error

// Config bundles the scheduler's dependencies.
type Config struct {
	Schedules    *store.ScheduleStore
	Instantiate  Instantiator
	Logger       *slog.Logger
}

// Scheduler runs one timer loop per enabled schedule entry.
type Scheduler struct {
	schedules   *store.ScheduleStore
	instantiate Instantiator
	logger      *slog.Logger
	tracer      trace.Tracer

	fireCounter metric.Int64Counter
	failCounter metric.Int64Counter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, meter metric.Meter) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		schedules:   cfg.Schedules,
		instantiate: cfg.Instantiate,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("flowkeeper/scheduler"),
		cancels:     make(map[string]context.CancelFunc),
	}
	s.fireCounter, _ = meter.Int64Counter("flowkeeper_scheduler_fires_total")
	s.failCounter, _ = meter.Int64Counter("flowkeeper_scheduler_failures_total")
	return s
}

// Start launches one timer goroutine per enabled schedule. It returns once
// every goroutine has been spawned; each goroutine runs until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, cfg := range s.schedules.List() {
		if !cfg.Enabled {
			continue
		}
		if err := s.startOne(ctx, cfg); err != nil {
			s.logger.Error("scheduler failed to start entry", "name", cfg.Name, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) startOne(ctx context.Context, cfg store.ScheduleConfig) error {
	trig, err := parseTrigger(cfg.Trigger)
	if err != nil {
		return err
	}

	entryCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[cfg.Name] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(entryCtx, cfg.Name, trig)
	return nil
}

// run waits until the entry's next_run_at, fires, advances next_run_at by
// one trigger period, and repeats. A brand new entry (next_run_at == nil)
// or one whose next_run_at has already elapsed fires immediately.
func (s *Scheduler) run(ctx context.Context, name string, trig trigger) {
	defer s.wg.Done()

	for {
		cfg, ok := s.schedules.Get(name)
		if !ok || !cfg.Enabled {
			return
		}

		now := time.Now().UTC()
		due := cfg.NextRunAt == nil || !cfg.NextRunAt.After(now)

		if !due {
			wait := cfg.NextRunAt.Sub(now)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		s.fire(ctx, cfg, trig)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, cfg store.ScheduleConfig, trig trigger) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.fire", trace.WithAttributes(attribute.String("schedule", cfg.Name)))
	defer span.End()

	ran := time.Now().UTC()
	next := trig.next(ran)

	if err := s.instantiate(ctx, cfg); err != nil {
		s.logger.Error("scheduler firing failed", "name", cfg.Name, "error", err)
		if s.failCounter != nil {
			s.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", cfg.Name)))
		}
	} else if s.fireCounter != nil {
		s.fireCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", cfg.Name)))
	}

	if err := s.schedules.RecordFire(cfg.Name, ran, next); err != nil {
		s.logger.Error("scheduler failed to persist fire bookkeeping", "name", cfg.Name, "error", err)
	}
}

// Stop cancels every outstanding timer and waits for the run loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
