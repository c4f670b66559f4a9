package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix.
const (
	// Push events decoded from the realtime channel. Payload is a transport.Event.
	NamespacePush           = "push."
	KindPushNewMessage      = "push.new_message"
	KindPushReadReceipt     = "push.read_receipt"
	KindPushPresence        = "push.presence"
	KindPushPresenceOnline  = "push.presence.online"
	KindPushPresenceOffline = "push.presence.offline"

	// Connection lifecycle. Payload is a status.StatusChange.
	KindConnStateChanged = "conn.state_changed"

	// Cache change notifications for the UI layer. Payload is the conversation id, if any.
	KindConversationsChanged = "cache.conversations_changed"
	KindMessagesChanged      = "cache.messages_changed"
	KindSendFailed           = "cache.send_failed"

	// Credential changes. Payload is nil; read the holder.
	KindCredentialChanged = "credential.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
