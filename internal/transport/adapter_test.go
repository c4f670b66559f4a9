package transport

import (
	"testing"
	"time"

	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/status"
)

func TestAdapterSubscribePreservesOrder(t *testing.T) {
	b := bus.New()
	a := NewAdapter(NewClient("http://unused", staticToken("")), NewLink(LinkConfig{}, staticToken(""), b, status.NewMachine(b), nil), b)

	got := make(chan PresenceChange, 8)
	sub, err := a.Subscribe(TopicPresence, func(e Event) {
		got <- e.(PresenceChange)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	seq := []PresenceChange{{UserID: "u", Online: true}, {UserID: "u"}, {UserID: "u", Online: true}}
	for _, p := range seq {
		b.Publish(bus.Event{Kind: BusKind(p), Payload: p})
	}
	for i, want := range seq {
		select {
		case p := <-got:
			if p != want {
				t.Fatalf("event %d = %+v, want %+v", i, p, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout at event %d", i)
		}
	}
}

func TestAdapterUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.New()
	a := NewAdapter(NewClient("http://unused", staticToken("")), NewLink(LinkConfig{}, staticToken(""), b, status.NewMachine(b), nil), b)

	calls := make(chan struct{}, 4)
	sub, err := a.Subscribe(TopicNewMessage, func(Event) { calls <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	b.Publish(bus.Event{Kind: bus.KindPushNewMessage, Payload: NewMessage{}})
	select {
	case <-calls:
		t.Fatal("handler called after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
	if a.ConnectionState() != status.Disconnected {
		t.Fatalf("state = %s", a.ConnectionState())
	}
}

func TestAdapterSubscribeUnknownTopic(t *testing.T) {
	b := bus.New()
	a := NewAdapter(NewClient("http://unused", staticToken("")), NewLink(LinkConfig{}, staticToken(""), b, status.NewMachine(b), nil), b)
	if _, err := a.Subscribe("typing", func(Event) {}); err == nil {
		t.Fatal("expected error")
	}
}
