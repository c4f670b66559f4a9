package sync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/chat"
	"github.com/matheus3301/taskchat/internal/metrics"
	"github.com/matheus3301/taskchat/internal/status"
	"github.com/matheus3301/taskchat/internal/transport"
)

// Source delivers push events per topic, preserving order within a topic.
type Source interface {
	Subscribe(topic transport.Topic, handler func(transport.Event)) (*transport.Subscription, error)
}

// Target applies reconciled events to the caches. Each Apply call must be a
// single synchronous transform that is idempotent under redelivery.
type Target interface {
	ApplyNewMessage(msg chat.Message)
	ApplyReadReceipt(r transport.ReadReceipt)
	ApplyPresence(userID string, online bool)
	// Resync reloads server state after events may have been missed.
	Resync(ctx context.Context) error
}

// Engine routes inbound push events to the caches and resyncs them when the
// push connection comes back after a gap or a backed up subscriber dropped
// push events.
type Engine struct {
	source Source
	target Target
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	subs   []*transport.Subscription
}

// NewEngine creates a new event reconciler.
func NewEngine(source Source, target Target, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source: source,
		target: target,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to every push topic and to connection state changes.
func (e *Engine) Start(ctx context.Context) error {
	for _, topic := range []transport.Topic{
		transport.TopicNewMessage,
		transport.TopicReadReceipt,
		transport.TopicPresence,
	} {
		sub, err := e.source.Subscribe(topic, e.Route)
		if err != nil {
			e.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		e.subs = append(e.subs, sub)
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe(bus.KindConnStateChanged, 16)

	// Coalesces drops: one pending resync covers every event lost before it runs.
	dropped := make(chan struct{}, 1)
	removeDrop := e.bus.OnDrop(func(evt bus.Event) {
		if !strings.HasPrefix(evt.Kind, bus.NamespacePush) {
			return
		}
		select {
		case dropped <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(e.done)
		defer unsub()
		defer removeDrop()
		for {
			select {
			case evt := <-ch:
				e.handleStatus(ctx, evt)
			case <-dropped:
				e.logger.Warn("push events dropped, resyncing")
				e.resync(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops routing and waits for in-flight handlers.
func (e *Engine) Stop() {
	e.unsubscribe()
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Route applies one push event to the target.
func (e *Engine) Route(evt transport.Event) {
	switch ev := evt.(type) {
	case transport.NewMessage:
		e.target.ApplyNewMessage(ev.Message)
	case transport.ReadReceipt:
		e.target.ApplyReadReceipt(ev)
	case transport.PresenceChange:
		e.target.ApplyPresence(ev.UserID, ev.Online)
	default:
		e.logger.Warn("unroutable push event", zap.String("type", fmt.Sprintf("%T", evt)))
		return
	}
	metrics.EventsApplied.WithLabelValues(transport.BusKind(evt)).Inc()
}

func (e *Engine) handleStatus(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok {
		return
	}
	metrics.SetConnectionState(string(change.To),
		string(status.Disconnected), string(status.Connecting), string(status.Connected))

	if change.To != status.Connected || !change.Resumed {
		return
	}
	e.logger.Info("push link resumed, resyncing")
	e.resync(ctx)
}

func (e *Engine) resync(ctx context.Context) {
	if err := e.target.Resync(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("resync failed", zap.Error(err))
	}
}

func (e *Engine) unsubscribe() {
	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	e.subs = nil
}
