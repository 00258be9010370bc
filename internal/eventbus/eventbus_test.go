package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowkeeper/kernel/internal/task"
)

func TestPublishTransitionFansOutToSubscribers(t *testing.T) {
	b := New(nil, "", nil)

	var mu sync.Mutex
	var got []TransitionEvent
	done := make(chan struct{}, 2)

	b.Subscribe(func(ctx context.Context, ev TransitionEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
	})
	b.Subscribe(func(ctx context.Context, ev TransitionEvent) {
		done <- struct{}{}
	})

	before := task.Task{ID: "t1", Type: "chat", Status: task.StatusInProgress}
	after := task.Task{ID: "t1", Type: "chat", Status: task.StatusReview, AttemptCount: 1}
	b.PublishTransition(context.Background(), before, after)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("subscriber never invoked")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 event recorded, got %d", len(got))
	}
	if got[0].From != task.StatusInProgress || got[0].To != task.StatusReview {
		t.Fatalf("unexpected transition recorded: %+v", got[0])
	}
}

func TestPublishTransitionWithoutNATSDoesNotBlock(t *testing.T) {
	b := New(nil, "", nil)
	done := make(chan struct{})
	go func() {
		b.PublishTransition(context.Background(), task.Task{ID: "t1"}, task.Task{ID: "t1", Status: task.StatusDone})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked with no subscribers and no nats connection")
	}
}
