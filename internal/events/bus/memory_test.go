package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/orbital/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	if !bus.IsConnected() {
		t.Error("expected bus to be connected")
	}
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe(SubjectJobSubmitted, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	event := NewEvent("job.submitted", "intake-api", map[string]interface{}{"job_id": "job-1"})
	if err := bus.Publish(ctx, SubjectJobSubmitted, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe(SubjectTaskDone, func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
		defer sub.Unsubscribe()
	}

	if err := bus.Publish(ctx, SubjectTaskDone, NewEvent("task.done", "dispatcher", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	wg.Wait()
	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handler calls, got %d", count)
	}
}

func TestMemoryEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe(SubjectJobDone, func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	bus.Publish(ctx, SubjectJobDone, NewEvent("job.done", "orchestrator", nil))
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	bus.Publish(ctx, SubjectJobDone, NewEvent("job.done", "orchestrator", nil))
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBusSingleTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("orbital.job.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, SubjectJobDone, NewEvent("job.done", "orchestrator", nil))
	bus.Publish(ctx, SubjectJobFailed, NewEvent("job.failed", "orchestrator", nil))
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 events matched by wildcard, got %d", count)
	}
}

func TestMemoryEventBusQueueSubscribeLoadBalances(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32
	var wg sync.WaitGroup
	wg.Add(6)

	for i := 0; i < 3; i++ {
		sub, err := bus.QueueSubscribe(SubjectTaskDispatched, "dispatchers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe %d failed: %v", i, err)
		}
		defer sub.Unsubscribe()
	}

	for i := 0; i < 6; i++ {
		if err := bus.Publish(ctx, SubjectTaskDispatched, NewEvent("task.dispatched", "orchestrator", nil)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	wg.Wait()
	if atomic.LoadInt32(&count) != 6 {
		t.Errorf("expected 6 handler calls total across the queue group, got %d", count)
	}
}

func TestMemoryEventBusCloseRejectsFurtherUse(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	if !bus.IsConnected() {
		t.Error("expected bus to be connected initially")
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), SubjectJobDone, NewEvent("job.done", "x", nil)); err == nil {
		t.Error("expected error publishing to a closed bus")
	}
	if _, err := bus.Subscribe(SubjectJobDone, func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected error subscribing to a closed bus")
	}
}

func TestNewEventStampsIDAndTimestamp(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("job.submitted", "intake-api", map[string]interface{}{"job_id": "job-1"})
	after := time.Now().UTC()

	if event.ID == "" {
		t.Error("expected event id to be set")
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Error("expected timestamp to fall within the call window")
	}
}
