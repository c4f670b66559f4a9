package transport

import (
	"errors"
	"testing"

	"github.com/matheus3301/taskchat/internal/bus"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantKind string
		wantErr  bool
	}{
		{"new message", `{"event":"new-message","data":{"id":"m1","conversationId":"c1","body":"hi"}}`, bus.KindPushNewMessage, false},
		{"read receipt", `{"event":"read-receipt","data":{"conversationId":"c1","readerId":"u2","readAt":"2026-03-01T10:00:00Z"}}`, bus.KindPushReadReceipt, false},
		{"online", `{"event":"presence-online","data":{"userId":"u2"}}`, bus.KindPushPresenceOnline, false},
		{"offline", `{"event":"presence-offline","data":{"userId":"u2"}}`, bus.KindPushPresenceOffline, false},
		{"message without id", `{"event":"new-message","data":{"conversationId":"c1"}}`, "", true},
		{"receipt without conversation", `{"event":"read-receipt","data":{"readerId":"u2"}}`, "", true},
		{"presence without user", `{"event":"presence-online","data":{}}`, "", true},
		{"garbage", `nope`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := DecodeEvent([]byte(tt.frame))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", evt)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if got := BusKind(evt); got != tt.wantKind {
				t.Fatalf("kind = %s, want %s", got, tt.wantKind)
			}
		})
	}
}

func TestDecodeEventUnknownName(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event":"typing","data":{}}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestPresenceKindsSharePrefix(t *testing.T) {
	for _, evt := range []Event{PresenceChange{UserID: "u", Online: true}, PresenceChange{UserID: "u"}} {
		kind := BusKind(evt)
		if len(kind) < len(bus.KindPushPresence) || kind[:len(bus.KindPushPresence)] != bus.KindPushPresence {
			t.Fatalf("kind %s outside %s", kind, bus.KindPushPresence)
		}
	}
}
