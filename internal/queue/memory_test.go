package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

func testEnvelope(t *testing.T, queueType asyncevent.QueueType) asyncevent.Envelope {
	t.Helper()
	scope := model.NewApplicationScope(model.NewID(uuid.New(), "application"))
	env, err := asyncevent.New(asyncevent.KindInitializeIndex, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.Queue = queueType
	return env
}

func TestMemory_SendReceiveAck(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx := context.Background()
	env := testEnvelope(t, asyncevent.QueueRegular)

	if err := q.Send(ctx, env); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	deliveries, err := q.Receive(ctx, asyncevent.QueueRegular, 10, time.Second)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(deliveries))
	}
	if deliveries[0].Envelope.ID != env.ID {
		t.Errorf("envelope id = %v, want %v", deliveries[0].Envelope.ID, env.ID)
	}
	if deliveries[0].ReceiveCount != 1 {
		t.Errorf("ReceiveCount = %d, want 1", deliveries[0].ReceiveCount)
	}

	depth, _ := q.Depth(ctx, asyncevent.QueueRegular)
	if depth != 1 {
		t.Errorf("in-flight depth = %d, want 1", depth)
	}

	if err := q.Ack(ctx, asyncevent.QueueRegular, deliveries[0].Receipt); err != nil {
		t.Fatalf("Ack error: %v", err)
	}
	depth, _ = q.Depth(ctx, asyncevent.QueueRegular)
	if depth != 0 {
		t.Errorf("depth after ack = %d, want 0", depth)
	}

	if err := q.Ack(ctx, asyncevent.QueueRegular, deliveries[0].Receipt); !errors.Is(err, ErrUnknownReceipt) {
		t.Errorf("second Ack error = %v, want ErrUnknownReceipt", err)
	}
}

func TestMemory_DepthAfterBurst(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx := context.Background()

	const n = 50
	envs := make([]asyncevent.Envelope, n)
	for i := range envs {
		envs[i] = testEnvelope(t, asyncevent.QueueRegular)
	}

	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Send(ctx, env); err != nil {
				t.Errorf("Send error: %v", err)
			}
		}()
	}
	wg.Wait()

	depth, err := q.Depth(ctx, asyncevent.QueueRegular)
	if err != nil {
		t.Fatalf("Depth error: %v", err)
	}
	if depth != n {
		t.Errorf("depth = %d, want %d", depth, n)
	}
}

func TestMemory_BatchLimit(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Send(ctx, testEnvelope(t, asyncevent.QueueUtility))
	}

	deliveries, err := q.Receive(ctx, asyncevent.QueueUtility, 3, 0)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(deliveries) != 3 {
		t.Errorf("got %d deliveries, want 3", len(deliveries))
	}
}

func TestMemory_Capacity(t *testing.T) {
	q := NewMemory(MemoryConfig{Capacity: 1})
	ctx := context.Background()

	if err := q.Send(ctx, testEnvelope(t, asyncevent.QueueRegular)); err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	if err := q.Send(ctx, testEnvelope(t, asyncevent.QueueRegular)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Send error = %v, want ErrQueueFull", err)
	}
	// Lanes are bounded independently.
	if err := q.Send(ctx, testEnvelope(t, asyncevent.QueueUtility)); err != nil {
		t.Errorf("utility Send error: %v", err)
	}
}

func TestMemory_UnknownQueue(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	if err := q.Send(context.Background(), testEnvelope(t, "nope")); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("Send error = %v, want ErrUnknownQueue", err)
	}
}

func TestMemory_ReceiveTimesOut(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	start := time.Now()
	deliveries, err := q.Receive(context.Background(), asyncevent.QueueRegular, 1, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(deliveries) != 0 {
		t.Errorf("got %d deliveries, want 0", len(deliveries))
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Receive returned before the wait elapsed")
	}
}

func TestMemory_ReceiveWakesOnSend(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx := context.Background()

	env := testEnvelope(t, asyncevent.QueueRegular)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Send(ctx, env)
	}()

	deliveries, err := q.Receive(ctx, asyncevent.QueueRegular, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Errorf("got %d deliveries, want 1", len(deliveries))
	}
}

func TestMemory_ReceiveInterruptible(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Receive(ctx, asyncevent.QueueRegular, 1, time.Minute)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Receive error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestMemory_RedeliversAfterVisibilityTimeout(t *testing.T) {
	q := NewMemory(MemoryConfig{VisibilityTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	env := testEnvelope(t, asyncevent.QueueRegular)
	_ = q.Send(ctx, env)

	first, _ := q.Receive(ctx, asyncevent.QueueRegular, 1, 0)
	if len(first) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(first))
	}

	// Not acked: the envelope comes back once hidden long enough.
	second, err := q.Receive(ctx, asyncevent.QueueRegular, 1, time.Second)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("got %d redeliveries, want 1", len(second))
	}
	if second[0].Envelope.ID != env.ID {
		t.Errorf("redelivered id = %v, want %v", second[0].Envelope.ID, env.ID)
	}
	if second[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2", second[0].ReceiveCount)
	}
	if second[0].Receipt == first[0].Receipt {
		t.Error("expected a fresh receipt on redelivery")
	}
	if err := q.Ack(ctx, asyncevent.QueueRegular, first[0].Receipt); !errors.Is(err, ErrUnknownReceipt) {
		t.Errorf("stale receipt Ack error = %v, want ErrUnknownReceipt", err)
	}
}

func TestMemory_Release(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx := context.Background()
	first := testEnvelope(t, asyncevent.QueueRegular)
	second := testEnvelope(t, asyncevent.QueueRegular)
	_ = q.Send(ctx, first)
	_ = q.Send(ctx, second)

	deliveries, _ := q.Receive(ctx, asyncevent.QueueRegular, 1, 0)
	if err := q.Release(ctx, asyncevent.QueueRegular, deliveries[0].Receipt); err != nil {
		t.Fatalf("Release error: %v", err)
	}

	again, _ := q.Receive(ctx, asyncevent.QueueRegular, 1, 0)
	if len(again) != 1 || again[0].Envelope.ID != first.ID {
		t.Errorf("expected released envelope to be delivered first")
	}
}

func TestMemory_DeadLetter(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx := context.Background()
	env := testEnvelope(t, asyncevent.QueueRegular)
	_ = q.Send(ctx, env)

	deliveries, _ := q.Receive(ctx, asyncevent.QueueRegular, 1, 0)
	if err := q.DeadLetter(ctx, asyncevent.QueueRegular, deliveries[0], "boom"); err != nil {
		t.Fatalf("DeadLetter error: %v", err)
	}

	dead := q.DeadLetters(asyncevent.QueueRegular)
	if len(dead) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(dead))
	}
	if dead[0].Envelope.ID != env.ID || dead[0].Reason != "boom" {
		t.Errorf("dead letter = %+v", dead[0])
	}

	depth, _ := q.Depth(ctx, asyncevent.QueueRegular)
	if depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
}

func TestMemory_NameAndCapabilities(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	if q.Name() != MemoryName {
		t.Errorf("Name() = %q, want %q", q.Name(), MemoryName)
	}
	if !q.Capabilities().Tracking {
		t.Error("expected memory queue to support tracking")
	}
}
