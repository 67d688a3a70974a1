package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitReachesAllHandlers(t *testing.T) {
	b := NewBus()

	var calls atomic.Int32
	done := make(chan Event, 2)
	handler := func(ctx context.Context, e Event) error {
		calls.Add(1)
		done <- e
		return nil
	}
	b.Subscribe(EventChatReceived, "test.one", handler)
	b.Subscribe(EventChatReceived, "test.two", handler)

	if n := b.HandlerCount(EventChatReceived); n != 2 {
		t.Fatalf("HandlerCount = %d, want 2", n)
	}

	want := Event{Type: EventChatReceived, Source: "test", Payload: ChatPayload{Author: "a", Message: "m"}}
	b.Emit(context.Background(), want)

	for i := 0; i < 2; i++ {
		select {
		case got := <-done:
			if got.Payload != want.Payload {
				t.Fatalf("payload = %#v", got.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler not invoked")
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestEmitDoesNotBlockOnSlowHandler(t *testing.T) {
	b := NewBus()
	release := make(chan struct{})
	b.Subscribe(EventShutdown, "test.slow", func(ctx context.Context, e Event) error {
		<-release
		return nil
	})

	start := time.Now()
	b.Emit(context.Background(), Event{Type: EventShutdown})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Emit blocked for %v", elapsed)
	}
	close(release)
	b.Stop()
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := NewBus()
	b.Subscribe(EventClientJoined, "test.panics", func(ctx context.Context, e Event) error {
		panic("boom")
	})

	ran := make(chan struct{})
	b.Subscribe(EventClientJoined, "test.survives", func(ctx context.Context, e Event) error {
		close(ran)
		return nil
	})

	b.Emit(context.Background(), Event{Type: EventClientJoined})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler starved by panicking sibling")
	}
	b.Stop()
}

func TestStoppedBusDropsEvents(t *testing.T) {
	b := NewBus()
	var calls atomic.Int32
	b.Subscribe(EventClientLeft, "test.counting", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	b.Stop()
	b.Emit(context.Background(), Event{Type: EventClientLeft})
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("handler ran after Stop")
	}
}
