package comms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func makeMsg(from, to string, t MessageType) *Message {
	return &Message{
		ID:        "msg-" + from + "-" + to,
		Type:      t,
		From:      from,
		To:        to,
		Subject:   "test",
		Content:   "hello",
		Timestamp: time.Now(),
	}
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe("agent-a", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	msg := makeMsg("agent-b", "agent-a", TypeDirect)
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	// Unsubscribe and verify no more messages
	unsub()
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_FanOut(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var count int32

	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		wg.Add(1)
		agentID := id
		bus.Subscribe(agentID, func(_ context.Context, _ *Message) error {
			atomic.AddInt32(&count, 1)
			wg.Done()
			return nil
		})
	}

	msg := &Message{
		ID:      "update-1",
		Type:    TypeTaskUpdate,
		From:    "dispatcher",
		Subject: "task_1 succeeded",
	}
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish fan-out: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fan-out delivery")
	}

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("fan-out delivered to %d subscribers, want 3", count)
	}
}

func TestInMemoryBus_DirectMessage(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var aReceived, bReceived int32
	bus.Subscribe("agent-a", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&aReceived, 1)
		return nil
	})
	bus.Subscribe("agent-b", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&bReceived, 1)
		return nil
	})

	msg := makeMsg("lead", "agent-a", TypeDirect)
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if atomic.LoadInt32(&aReceived) != 1 {
		t.Errorf("agent-a received %d, want 1", aReceived)
	}
	if atomic.LoadInt32(&bReceived) != 0 {
		t.Errorf("agent-b received %d, want 0", bReceived)
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	msgs := []*Message{
		makeMsg("lead", "agent-a", TypeDirect),
		makeMsg("agent-a", "lead", TypeDirect),
		makeMsg("lead", "agent-b", TypeDirect), // not visible to agent-a
		{ID: "b1", Type: TypeAgentUpdate, From: "dispatcher", Subject: "s", Timestamp: time.Now()},
	}
	for _, m := range msgs {
		bus.Publish(ctx, m)
	}

	hist, err := bus.History("agent-a", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// Should see: to agent-a, from agent-a, fan-out = 3 messages
	if len(hist) != 3 {
		t.Errorf("History len = %d, want 3", len(hist))
	}

	all, err := bus.History("", 0)
	if err != nil {
		t.Fatalf("History all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("History all len = %d, want 4", len(all))
	}
	if all[0].ID != msgs[0].ID {
		t.Errorf("History[0] = %q, want oldest %q", all[0].ID, msgs[0].ID)
	}
}

func TestInMemoryBus_History_Limit(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m := makeMsg("sender", "agent-a", TypeDirect)
		bus.Publish(ctx, m)
	}

	hist, err := bus.History("agent-a", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Errorf("History with limit 5 returned %d messages", len(hist))
	}
}

func TestInMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var count int32
	bus.Subscribe("agent-a", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	bus.Subscribe("agent-a", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	msg := makeMsg("sender", "agent-a", TypeDirect)
	bus.Publish(ctx, msg)

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("count = %d, want 2 (both handlers fired)", count)
	}
}

func TestInMemoryBus_Wildcard(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var seen int32
	bus.Subscribe(Wildcard, func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&seen, 1)
		return nil
	})

	bus.Publish(ctx, makeMsg("lead", "agent-a", TypeDirect))
	bus.Publish(ctx, &Message{Type: TypeTaskUpdate, From: "dispatcher"})

	if atomic.LoadInt32(&seen) != 2 {
		t.Errorf("wildcard saw %d messages, want 2", seen)
	}
}

func TestInMemoryBus_FillsIDAndTimestamp(t *testing.T) {
	bus := NewInMemoryBus(0)
	msg := &Message{Type: TypeAgentUpdate, From: "dispatcher"}
	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg.ID == "" {
		t.Error("ID not set")
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestInMemoryBus_HistoryCap(t *testing.T) {
	bus := NewInMemoryBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), &Message{Type: TypeTaskUpdate})
	}
	hist, _ := bus.History("", 0)
	if len(hist) != 3 {
		t.Errorf("History len = %d, want 3", len(hist))
	}
}

func TestInMemoryBus_HandlerErrors(t *testing.T) {
	bus := NewInMemoryBus(0)
	bus.Subscribe("agent-a", func(_ context.Context, _ *Message) error { return errors.New("nope") })
	if err := bus.Publish(context.Background(), makeMsg("x", "agent-a", TypeDirect)); err == nil {
		t.Fatal("expected handler error")
	}
}
