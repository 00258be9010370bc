// Package eventbus fans out post-commit task transition events to
// in-process subscribers and, when configured, to an external NATS
// subject. Grounded on the teacher's libs/go/core/natsctx helper: the
// same trace-context-over-headers propagation on publish, the same
// child-span-per-message shape on the consuming side (not needed here
// since this package only publishes, never subscribes to its own
// subject). An unconfigured bus runs in-process-only, never erroring.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkeeper/kernel/internal/task"
	"github.com/flowkeeper/kernel/internal/telemetry/resilience"
)

var propagator = propagation.TraceContext{}

// TransitionEvent is the wire/in-process shape of a committed transition.
type TransitionEvent struct {
	TaskID    string      `json:"task_id"`
	Type      string      `json:"type"`
	From      task.Status `json:"from"`
	To        task.Status `json:"to"`
	Attempt   int         `json:"attempt"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscriber receives every transition event fanned out in-process. It
// must not block for long; slow subscribers are run in their own
// goroutine by Bus.
type Subscriber func(ctx context.Context, ev TransitionEvent)

// Bus implements store.EventPublisher. Subject is the NATS subject
// transition events are published to when nc is non-nil; a nil
// connection means "in-process only".
type Bus struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
	tracer  trace.Tracer
	breaker *resilience.CircuitBreaker

	subscribers []Subscriber
}

// New returns a Bus. nc may be nil (no external transport configured).
func New(nc *nats.Conn, subject string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = "flowkeeper.task.transitions"
	}
	return &Bus{
		nc:      nc,
		subject: subject,
		logger:  logger,
		tracer:  otel.Tracer("flowkeeper/eventbus"),
		breaker: resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
}

// Subscribe registers an in-process handler. Not safe to call concurrently
// with PublishTransition; subscribers are meant to be wired once at
// startup.
func (b *Bus) Subscribe(sub Subscriber) {
	b.subscribers = append(b.subscribers, sub)
}

// PublishTransition implements store.EventPublisher. It never blocks the
// caller on the NATS round trip or on a slow subscriber: both happen in
// detached goroutines, consistent with the store's "fire-and-forget"
// contract for this interface.
func (b *Bus) PublishTransition(ctx context.Context, before, after task.Task) {
	ev := TransitionEvent{
		TaskID:    after.ID,
		Type:      after.Type,
		From:      before.Status,
		To:        after.Status,
		Attempt:   after.AttemptCount,
		Timestamp: time.Now().UTC(),
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.publish_transition")
	defer span.End()

	for _, sub := range b.subscribers {
		sub := sub
		go sub(ctx, ev)
	}

	if b.nc == nil {
		return
	}
	go b.publishNATS(ctx, ev)
}

// publishNATS is guarded by a circuit breaker so a down or unreachable
// NATS server doesn't cost every subsequent transition a dial-timeout's
// worth of latency: once the publish failure rate trips the breaker,
// publishes are skipped outright until the cool-down elapses.
func (b *Bus) publishNATS(ctx context.Context, ev TransitionEvent) {
	if !b.breaker.Allow() {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("eventbus failed to marshal transition event", "task_id", ev.TaskID, "error", err)
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: b.subject, Data: data, Header: hdr}
	err = b.nc.PublishMsg(msg)
	b.breaker.RecordResult(err == nil)
	if err != nil {
		b.logger.Warn("eventbus failed to publish to nats", "task_id", ev.TaskID, "subject", b.subject, "error", err)
	}
}
