package cache

import (
	"testing"
	"time"

	"github.com/matheus3301/taskchat/internal/chat"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func conv(id, peer string, unread int, updated time.Time) chat.Conversation {
	return chat.Conversation{
		ID:               id,
		OtherParticipant: chat.Participant{ID: peer, Name: "Peer " + peer},
		UnreadCount:      unread,
		UpdatedAt:        updated,
	}
}

func ids(convs []chat.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestLoadSortsByUpdatedAtDescending(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{
		conv("a", "u1", 0, t0),
		conv("b", "u2", 0, t0.Add(2*time.Minute)),
		conv("c", "u3", 0, t0.Add(time.Minute)),
	})
	require.Equal(t, []string{"b", "c", "a"}, ids(c.List()))

	// A second load replaces, never merges.
	c.Load([]chat.Conversation{conv("z", "u9", 0, t0)})
	require.Equal(t, []string{"z"}, ids(c.List()))
}

func TestApplyNewMessageUpdatesSummaryAndResorts(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{
		conv("a", "u1", 2, t0),
		conv("b", "u2", 0, t0.Add(time.Hour)),
	})

	at := t0.Add(2 * time.Hour)
	ok := c.ApplyNewMessage(chat.Message{ID: "m9", ConversationID: "a", SenderID: "u1", Body: "ping", CreatedAt: at})
	require.True(t, ok)

	list := c.List()
	require.Equal(t, "a", list[0].ID)
	require.Equal(t, 3, list[0].UnreadCount)
	require.Equal(t, "ping", list[0].LastMessage.Body)
	require.True(t, list[0].UpdatedAt.Equal(at))
}

func TestApplyNewMessageUnknownConversationIsNoop(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{conv("a", "u1", 1, t0)})

	require.False(t, c.ApplyNewMessage(chat.Message{ID: "m1", ConversationID: "missing", CreatedAt: t0}))
	require.Equal(t, 1, c.Len())
	require.Equal(t, 1, c.TotalUnread())
}

func TestApplyNewMessageRedeliveryIsNoop(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{conv("a", "u1", 0, t0)})
	msg := chat.Message{ID: "m1", ConversationID: "a", Body: "hi", CreatedAt: t0.Add(time.Second)}

	require.True(t, c.ApplyNewMessage(msg))
	require.False(t, c.ApplyNewMessage(msg))
	got, _ := c.Get("a")
	require.Equal(t, 1, got.UnreadCount)
}

func TestReadReceiptAndTotalUnread(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{
		conv("a", "u1", 2, t0),
		conv("b", "u2", 5, t0.Add(time.Minute)),
	})
	require.Equal(t, 7, c.TotalUnread())

	require.True(t, c.ApplyReadReceipt("b"))
	require.Equal(t, 2, c.TotalUnread())
	require.False(t, c.ApplyReadReceipt("nope"))
}

func TestApplyPresenceFlipsEveryMatchingPeer(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{
		conv("a", "u1", 0, t0),
		conv("b", "u1", 0, t0.Add(time.Minute)),
		conv("c", "u2", 0, t0.Add(2*time.Minute)),
	})

	require.Equal(t, 2, c.ApplyPresence("u1", true))
	for _, cv := range c.List() {
		want := cv.OtherParticipant.ID == "u1"
		require.Equal(t, want, cv.OtherParticipant.Online, cv.ID)
	}
	require.Zero(t, c.ApplyPresence("ghost", true))
}

func TestUpsertReplacesWithoutDuplicating(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{conv("a", "u1", 0, t0)})

	c.Upsert(conv("a", "u1", 4, t0.Add(time.Minute)))
	c.Upsert(conv("b", "u2", 0, t0.Add(time.Hour)))

	require.Equal(t, []string{"b", "a"}, ids(c.List()))
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 4, got.UnreadCount)
}

func TestSetUnreadReturnsPrevious(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{conv("a", "u1", 3, t0)})

	prev, ok := c.SetUnread("a", 0)
	require.True(t, ok)
	require.Equal(t, 3, prev)
	require.Zero(t, c.TotalUnread())
}

func TestApplyOwnMessageKeepsUnread(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{
		conv("a", "u1", 2, t0),
		conv("b", "u2", 0, t0.Add(time.Hour)),
	})

	at := t0.Add(2 * time.Hour)
	require.True(t, c.ApplyOwnMessage(chat.Message{ID: "m1", ConversationID: "a", SenderID: "me", Body: "sent", CreatedAt: at}))

	a, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, a.UnreadCount)
	require.Equal(t, "sent", a.LastMessage.Body)
	require.Equal(t, []string{"a", "b"}, ids(c.List()))

	// The same message pushed back by the server changes nothing.
	require.False(t, c.ApplyNewMessage(chat.Message{ID: "m1", ConversationID: "a", CreatedAt: at}))
	a, _ = c.Get("a")
	require.Equal(t, 2, a.UnreadCount)
}

func TestApplyNewMessageOutOfOrderRedelivery(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{conv("a", "u1", 0, t0)})
	m1 := chat.Message{ID: "m1", ConversationID: "a", SenderID: "u1", Body: "one", CreatedAt: t0.Add(10 * time.Second)}
	m2 := chat.Message{ID: "m2", ConversationID: "a", SenderID: "u1", Body: "two", CreatedAt: t0.Add(20 * time.Second)}

	require.True(t, c.ApplyNewMessage(m1))
	require.True(t, c.ApplyNewMessage(m2))
	require.False(t, c.ApplyNewMessage(m1))

	got, _ := c.Get("a")
	require.Equal(t, 2, got.UnreadCount)
	require.Equal(t, "two", got.LastMessage.Body)
	require.True(t, got.UpdatedAt.Equal(m2.CreatedAt))
}

func TestApplyOwnMessageIgnoresOlderMessage(t *testing.T) {
	c := NewConversations()
	c.Load([]chat.Conversation{conv("a", "u1", 1, t0)})
	newer := chat.Message{ID: "m2", ConversationID: "a", SenderID: "u1", Body: "newer", CreatedAt: t0.Add(time.Minute)}
	older := chat.Message{ID: "m1", ConversationID: "a", SenderID: "me", Body: "older", CreatedAt: t0.Add(time.Second)}

	require.True(t, c.ApplyNewMessage(newer))
	require.False(t, c.ApplyOwnMessage(older))
	got, _ := c.Get("a")
	require.Equal(t, "newer", got.LastMessage.Body)
	require.Equal(t, 2, got.UnreadCount)
}
