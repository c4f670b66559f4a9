package api

import (
	"time"

	"github.com/matheus3301/taskchat/internal/chat"
)

// ConversationRequest names a conversation. Empty means the open one where
// the method allows it.
type ConversationRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// SendRequest posts Body. A ConversationID different from the open one opens
// it first.
type SendRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Body           string `json:"body"`
}

type GetOrCreateRequest struct {
	PeerID string `json:"peerId"`
	TaskID string `json:"taskId,omitempty"`
}

// TokenRequest replaces the in-memory credential. An empty Token clears it.
type TokenRequest struct {
	Token string `json:"token"`
}

// StatusReply describes the daemon and its caches.
type StatusReply struct {
	Profile          string            `json:"profile"`
	State            string            `json:"state"`
	StateSince       time.Time         `json:"stateSince"`
	UptimeMs         int64             `json:"uptimeMs"`
	HasToken         bool              `json:"hasToken"`
	Conversations    int               `json:"conversations"`
	TotalUnread      int               `json:"totalUnread"`
	OpenConversation string            `json:"openConversation,omitempty"`
	Pending          int               `json:"pending"`
	Loading          []string          `json:"loading,omitempty"`
	Errors           map[string]string `json:"errors,omitempty"`
}

type ConversationsReply struct {
	Conversations []chat.Conversation `json:"conversations"`
}

type ConversationReply struct {
	Conversation chat.Conversation `json:"conversation"`
}

// MessagesReply is a thread, oldest first.
type MessagesReply struct {
	ConversationID string         `json:"conversationId"`
	Messages       []chat.Message `json:"messages"`
	HasMore        bool           `json:"hasMore"`
}

type SendReply struct {
	Message chat.Message `json:"message"`
}

// Change is one cache or connection notification streamed by WatchChanges.
type Change struct {
	Kind           string    `json:"kind"`
	At             time.Time `json:"at"`
	ConversationID string    `json:"conversationId,omitempty"`
	State          string    `json:"state,omitempty"`
	Resumed        bool      `json:"resumed,omitempty"`
	Error          string    `json:"error,omitempty"`
}
