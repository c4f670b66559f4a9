package transport

import (
	"sync"

	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/status"
)

// Topic names a push event stream handlers can subscribe to.
type Topic string

const (
	TopicNewMessage  Topic = "new_message"
	TopicReadReceipt Topic = "read_receipt"
	// TopicPresence carries both online and offline changes so a single
	// handler sees them in emission order.
	TopicPresence Topic = "presence"
)

var topicKinds = map[Topic]string{
	TopicNewMessage:  bus.KindPushNewMessage,
	TopicReadReceipt: bus.KindPushReadReceipt,
	TopicPresence:    bus.KindPushPresence,
}

const subscriberBuffer = 256

// Adapter is the client's single view of the remote service: REST calls
// plus push event delivery.
type Adapter struct {
	*Client
	link *Link
	bus  *bus.Bus
}

// NewAdapter combines a REST client and push link sharing one bus.
func NewAdapter(c *Client, link *Link, b *bus.Bus) *Adapter {
	return &Adapter{Client: c, link: link, bus: b}
}

// ConnectionState returns the push connection state.
func (a *Adapter) ConnectionState() status.State {
	return a.link.State()
}

// Subscription is a registered push handler.
type Subscription struct {
	stop func()
	done chan struct{}
	once sync.Once
}

// Unsubscribe deregisters the handler and waits for any in-flight call to
// return. Safe to call more than once, but not from inside the handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.stop)
	<-s.done
}

// Subscribe invokes handler once per delivered event on topic, in the order
// the events were received. Handlers must not block for long: a backed up
// subscriber drops events.
func (a *Adapter) Subscribe(topic Topic, handler func(Event)) (*Subscription, error) {
	kind, ok := topicKinds[topic]
	if !ok {
		return nil, ErrUnknownEvent
	}
	ch, unsub := a.bus.Subscribe(kind, subscriberBuffer)
	quit := make(chan struct{})
	sub := &Subscription{
		done: make(chan struct{}),
		stop: func() {
			unsub()
			close(quit)
		},
	}
	go func() {
		defer close(sub.done)
		for {
			select {
			case <-quit:
				return
			case evt := <-ch:
				if e, ok := evt.Payload.(Event); ok {
					handler(e)
				}
			}
		}
	}()
	return sub, nil
}
