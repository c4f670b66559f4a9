package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("push.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindPushNewMessage, Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindPushNewMessage {
			t.Errorf("got kind %q, want %s", evt.Kind, KindPushNewMessage)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindPushPresence})
	b.Publish(Event{Kind: KindConnStateChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnStateChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the push event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSameKindKeepsPublishOrder(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("push.", 100)
	defer unsub()

	for i := range 50 {
		b.Publish(Event{Kind: KindPushNewMessage, Payload: i})
	}
	for want := range 50 {
		evt := <-ch
		if got := evt.Payload.(int); got != want {
			t.Fatalf("event %d arrived as %d", want, got)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("push.", 10)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Kind: KindPushNewMessage})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	var dropped []string
	b.OnDrop(func(evt Event) { dropped = append(dropped, evt.Kind) })
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if len(dropped) != 1 || dropped[0] != "test.two" {
		t.Errorf("dropped = %v, want [test.two]", dropped)
	}
}

func TestOnDropRemove(t *testing.T) {
	b := New()
	var first, second int
	removeFirst := b.OnDrop(func(Event) { first++ })
	b.OnDrop(func(Event) { second++ })
	_, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})
	removeFirst()
	removeFirst()
	b.Publish(Event{Kind: "test.three"})

	if first != 1 || second != 2 {
		t.Errorf("hook calls = %d, %d, want 1, 2", first, second)
	}
}
