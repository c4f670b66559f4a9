package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/taskchat/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func at(min int) time.Time {
	return time.Date(2026, 3, 1, 10, min, 0, 0, time.UTC)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
	if result.Dirty {
		t.Error("schema is dirty")
	}
}

func TestResetDropsSnapshot(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertConversation(&chat.Conversation{ID: "c1", UpdatedAt: at(1)}); err != nil {
		t.Fatal(err)
	}
	if err := db.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Fatalf("got %d conversations after reset", len(convs))
	}
}

func TestReplaceConversations(t *testing.T) {
	db := testDB(t)

	first := []chat.Conversation{
		{ID: "c1", OtherParticipant: chat.Participant{ID: "u1", Name: "Ana"}, UpdatedAt: at(1)},
		{ID: "c2", OtherParticipant: chat.Participant{ID: "u2", Name: "Bo", Online: true}, UpdatedAt: at(5), UnreadCount: 3,
			LastMessage: &chat.LastMessage{ID: "m9", Body: "hey", SenderID: "u2", CreatedAt: at(5)}},
	}
	if err := db.ReplaceConversations(first); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceMessages("c1", []chat.Message{{ID: "m1", ConversationID: "c1", Body: "x", CreatedAt: at(1)}}); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != "c2" {
		t.Fatalf("conversations = %+v", convs)
	}
	c2 := convs[0]
	if c2.LastMessage == nil || c2.LastMessage.ID != "m9" || !c2.LastMessage.CreatedAt.Equal(at(5)) {
		t.Errorf("last message = %+v", c2.LastMessage)
	}
	if !c2.OtherParticipant.Online || c2.UnreadCount != 3 {
		t.Errorf("c2 = %+v", c2)
	}
	if convs[1].LastMessage != nil {
		t.Errorf("c1 last message = %+v, want nil", convs[1].LastMessage)
	}

	// c1 disappears from the next snapshot and takes its messages with it.
	if err := db.ReplaceConversations(first[1:]); err != nil {
		t.Fatal(err)
	}
	convs, err = db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "c2" {
		t.Fatalf("conversations = %+v", convs)
	}
	msgs, err := db.ListMessages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages of pruned conversation = %d", len(msgs))
	}
}

func TestMessagesNewestWindowAscending(t *testing.T) {
	db := testDB(t)

	var msgs []chat.Message
	for i := 1; i <= 5; i++ {
		msgs = append(msgs, chat.Message{ID: string(rune('a' + i)), ConversationID: "c1", CreatedAt: at(i)})
	}
	msgs = append(msgs, chat.Message{ID: chat.TempIDPrefix + "x", ConversationID: "c1", CreatedAt: at(9)})
	if err := db.ReplaceMessages("c1", msgs); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListMessages("c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, want := range []string{"d", "e", "f"} {
		if got[i].ID != want {
			t.Errorf("message %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestReplaceMessagesCollapsesRepeatedIDs(t *testing.T) {
	db := testDB(t)

	readAt := at(2)
	first := chat.Message{ID: "m1", ConversationID: "c1", Body: "hello", CreatedAt: at(1)}
	second := first
	second.Read, second.ReadAt = true, &readAt
	if err := db.ReplaceMessages("c1", []chat.Message{first, second}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !msgs[0].Read || msgs[0].ReadAt == nil || !msgs[0].ReadAt.Equal(readAt) {
		t.Errorf("read state = %v %v", msgs[0].Read, msgs[0].ReadAt)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.Checkpoint(KeyConversationsLoadedAt); err != nil || ok {
		t.Fatalf("missing checkpoint: ok=%v err=%v", ok, err)
	}
	if err := db.SetCheckpoint(KeyConversationsLoadedAt, "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(KeyConversationsLoadedAt, "2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Checkpoint(KeyConversationsLoadedAt)
	if err != nil || !ok || v != "2" {
		t.Fatalf("checkpoint = %q ok=%v err=%v", v, ok, err)
	}
}
