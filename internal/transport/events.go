package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/chat"
)

// Wire event names emitted by the push channel.
const (
	NameNewMessage      = "new-message"
	NameReadReceipt     = "read-receipt"
	NamePresenceOnline  = "presence-online"
	NamePresenceOffline = "presence-offline"
)

// ErrUnknownEvent is returned for event names this client does not handle.
var ErrUnknownEvent = errors.New("unknown push event")

// Event is a decoded push event. The set of implementations is closed:
// NewMessage, ReadReceipt and PresenceChange.
type Event interface {
	busKind() string
}

// NewMessage announces a message created on the server.
type NewMessage struct {
	Message chat.Message
}

// ReadReceipt announces that ReaderID read the conversation up to ReadAt.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// PresenceChange announces a peer going online or offline.
type PresenceChange struct {
	UserID string `json:"userId"`
	Online bool   `json:"-"`
}

func (NewMessage) busKind() string  { return bus.KindPushNewMessage }
func (ReadReceipt) busKind() string { return bus.KindPushReadReceipt }
func (p PresenceChange) busKind() string {
	if p.Online {
		return bus.KindPushPresenceOnline
	}
	return bus.KindPushPresenceOffline
}

// BusKind returns the bus kind evt is published under.
func BusKind(evt Event) string {
	return evt.busKind()
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEvent parses one push frame into its typed event.
func DecodeEvent(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case NameNewMessage:
		var m chat.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if m.ID == "" || m.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: missing id or conversationId", env.Event)
		}
		return NewMessage{Message: m}, nil
	case NameReadReceipt:
		var r ReadReceipt
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if r.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: missing conversationId", env.Event)
		}
		return r, nil
	case NamePresenceOnline, NamePresenceOffline:
		var p PresenceChange
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("decode %s: missing userId", env.Event)
		}
		p.Online = env.Event == NamePresenceOnline
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// EncodeEvent renders evt in the push wire format.
func EncodeEvent(evt Event) ([]byte, error) {
	var (
		name string
		data any
	)
	switch e := evt.(type) {
	case NewMessage:
		name, data = NameNewMessage, e.Message
	case ReadReceipt:
		name, data = NameReadReceipt, e
	case PresenceChange:
		name = NamePresenceOffline
		if e.Online {
			name = NamePresenceOnline
		}
		data = e
	default:
		return nil, fmt.Errorf("encode %T: %w", evt, ErrUnknownEvent)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: name, Data: raw})
}
