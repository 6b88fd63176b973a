package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe("t1", "engine.", 10)
	defer b.Unsubscribe("t1")

	b.Publish(Event{Kind: "engine.status_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "engine.status_changed" {
			t.Errorf("got kind %q, want engine.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch := b.Subscribe("t1", "send.", 10)
	defer b.Unsubscribe("t1")

	b.Publish(Event{Kind: "engine.status_changed"})
	b.Publish(Event{Kind: "send.timeout"})

	select {
	case evt := <-ch:
		if evt.Kind != "send.timeout" {
			t.Errorf("got kind %q, want send.timeout", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure engine event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe("t1", "engine.", 10)
	b.Unsubscribe("t1")

	b.Publish(Event{Kind: "engine.status_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

// TestResubscribeReplacesHandler verifies subscriptions are keyed by id: a
// second Subscribe under the same id never yields double delivery.
func TestResubscribeReplacesHandler(t *testing.T) {
	b := New()
	old := b.Subscribe("t1", "engine.", 10)
	fresh := b.Subscribe("t1", "engine.", 10)
	defer b.Unsubscribe("t1")

	b.Publish(Event{Kind: "engine.status_changed"})

	select {
	case <-fresh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event on fresh channel")
	}

	select {
	case evt := <-old:
		t.Errorf("replaced subscription still received event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch := b.Subscribe("t1", "test.", 1)
	defer b.Unsubscribe("t1")

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
