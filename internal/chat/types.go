package chat

import (
	"strings"
	"time"
)

// TempIDPrefix marks locally generated placeholder message ids.
const TempIDPrefix = "tmp-"

// Participant is the other side of a conversation.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// LastMessage summarizes the newest message of a conversation.
type LastMessage struct {
	ID        string    `json:"id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  string    `json:"senderId"`
}

// Conversation is a thread between the current user and one peer,
// optionally scoped to a task.
type Conversation struct {
	ID               string       `json:"id"`
	TaskID           string       `json:"taskId,omitempty"`
	OtherParticipant Participant  `json:"otherParticipant"`
	LastMessage      *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount      int          `json:"unreadCount"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Message is a single chat message. While a send is pending its ID carries
// TempIDPrefix; once confirmed it is the server-assigned id.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	SenderName     string     `json:"senderName,omitempty"`
	Body           string     `json:"body"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Pending reports whether m is an optimistic placeholder.
func (m Message) Pending() bool {
	return IsTempID(m.ID)
}

// IsTempID reports whether id was generated locally for a pending send.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// PageInfo is the pagination cursor returned alongside a message page.
type PageInfo struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Limit int `json:"limit"`
	Total int `json:"total,omitempty"`
}

// HasNext reports whether a page after this one exists.
func (p PageInfo) HasNext() bool {
	return p.Page < p.Pages
}

// MessagePage is one page of a conversation's history, ascending by CreatedAt.
type MessagePage struct {
	ConversationID string
	Messages       []Message
	Info           PageInfo
}
