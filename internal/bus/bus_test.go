package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("memory.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicMemorySaved, MemorySavedEvent{TenantID: "t1", MemoryID: "m1", Collection: "journal"})
	b.Publish(TopicToolCalled, ToolCalledEvent{Tool: "recall"}) // different prefix, not delivered

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicMemorySaved {
			t.Fatalf("topic = %q", ev.Topic)
		}
		payload, ok := ev.Payload.(MemorySavedEvent)
		if !ok || payload.Collection != "journal" {
			t.Fatalf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicToolCalled, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, open := <-sub.Ch(); open {
		t.Fatal("expected closed channel")
	}
	// Double-unsubscribe must be safe.
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatal("expected zero subscribers")
	}
}
