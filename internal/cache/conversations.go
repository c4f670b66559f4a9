// Package cache holds the in-memory conversation and message caches.
//
// Caches are not safe for concurrent use. Every method is a single
// synchronous transform; the owner serializes access.
package cache

import (
	"cmp"
	"slices"
	"time"

	"github.com/matheus3301/taskchat/internal/chat"
)

// Conversations is the ordered conversation summary list, newest first.
type Conversations struct {
	items []chat.Conversation
}

// NewConversations creates an empty conversation cache.
func NewConversations() *Conversations {
	return &Conversations{}
}

// Load replaces the cache wholesale with a server snapshot.
func (c *Conversations) Load(snapshot []chat.Conversation) {
	c.items = slices.Clone(snapshot)
	c.sort()
}

// List returns a copy of the ordered conversation list.
func (c *Conversations) List() []chat.Conversation {
	return slices.Clone(c.items)
}

// Len returns the number of cached conversations.
func (c *Conversations) Len() int {
	return len(c.items)
}

// Get returns the conversation with the given id.
func (c *Conversations) Get(id string) (chat.Conversation, bool) {
	i := c.index(id)
	if i < 0 {
		return chat.Conversation{}, false
	}
	return c.items[i], true
}

// Upsert inserts conv or replaces the entry with the same id.
func (c *Conversations) Upsert(conv chat.Conversation) {
	if i := c.index(conv.ID); i >= 0 {
		c.items[i] = conv
	} else {
		c.items = append(c.items, conv)
	}
	c.sort()
}

// ApplyNewMessage updates the summary of msg's conversation. Messages for
// conversations that are not cached are dropped; the next Load picks them up.
// An event that is not newer than the current last message (a redelivery
// or an out-of-order arrival) is a no-op.
func (c *Conversations) ApplyNewMessage(msg chat.Message) bool {
	return c.applyMessage(msg, true)
}

// ApplyOwnMessage is ApplyNewMessage for a message the current user sent:
// the summary moves but the unread count does not.
func (c *Conversations) ApplyOwnMessage(msg chat.Message) bool {
	return c.applyMessage(msg, false)
}

func (c *Conversations) applyMessage(msg chat.Message, unread bool) bool {
	i := c.index(msg.ConversationID)
	if i < 0 {
		return false
	}
	conv := &c.items[i]
	if last := conv.LastMessage; last != nil {
		if msg.ID != "" && last.ID == msg.ID {
			return false
		}
		if !msg.CreatedAt.After(last.CreatedAt) {
			return false
		}
	}
	conv.LastMessage = &chat.LastMessage{
		ID:        msg.ID,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
		SenderID:  msg.SenderID,
	}
	if unread {
		conv.UnreadCount++
	}
	conv.UpdatedAt = msg.CreatedAt
	// Full re-sort is fine at the conversation counts a single user holds.
	c.sort()
	return true
}

// ApplyReadReceipt zeroes the unread count of the conversation.
func (c *Conversations) ApplyReadReceipt(conversationID string) bool {
	i := c.index(conversationID)
	if i < 0 {
		return false
	}
	c.items[i].UnreadCount = 0
	return true
}

// SetUnread overwrites the unread count and returns the previous value.
func (c *Conversations) SetUnread(conversationID string, n int) (int, bool) {
	i := c.index(conversationID)
	if i < 0 {
		return 0, false
	}
	prev := c.items[i].UnreadCount
	c.items[i].UnreadCount = max(n, 0)
	return prev, true
}

// ApplyPresence flips the online flag of every conversation with userID as peer.
func (c *Conversations) ApplyPresence(userID string, online bool) int {
	n := 0
	for i := range c.items {
		if c.items[i].OtherParticipant.ID == userID {
			c.items[i].OtherParticipant.Online = online
			n++
		}
	}
	return n
}

// TotalUnread sums the unread counts. It is recomputed on every call.
func (c *Conversations) TotalUnread() int {
	total := 0
	for _, conv := range c.items {
		total += conv.UnreadCount
	}
	return total
}

func (c *Conversations) index(id string) int {
	return slices.IndexFunc(c.items, func(conv chat.Conversation) bool {
		return conv.ID == id
	})
}

func (c *Conversations) sort() {
	slices.SortStableFunc(c.items, func(a, b chat.Conversation) int {
		return cmpTimeDesc(a.UpdatedAt, b.UpdatedAt)
	})
}

func cmpTimeDesc(a, b time.Time) int {
	return cmp.Compare(b.UnixNano(), a.UnixNano())
}
