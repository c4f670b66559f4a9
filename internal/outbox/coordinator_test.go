package outbox

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/taskchat/internal/cache"
	"github.com/matheus3301/taskchat/internal/chat"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", chat.TempIDPrefix, n)
	}
}

func newTestCoordinator() *Coordinator {
	return NewCoordinator("me", "Me", nil,
		WithIDSource(seqIDs()),
		WithClock(func() time.Time { return base.Add(time.Hour) }),
	)
}

func loadedCache(t *testing.T, conv string, msgs ...chat.Message) *cache.Messages {
	t.Helper()
	c := cache.NewMessages()
	if err := c.LoadPage(chat.MessagePage{
		ConversationID: conv,
		Messages:       msgs,
		Info:           chat.PageInfo{Page: 1, Pages: 1, Limit: 20},
	}); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBeginInsertsPlaceholderAtTail(t *testing.T) {
	store := loadedCache(t, "b")
	c := newTestCoordinator()

	entry, placeholder, err := c.Begin(store, "b", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != Pending {
		t.Errorf("state = %s, want pending", entry.State)
	}

	msgs := store.List("b")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Body != "hello" || got.Read || !chat.IsTempID(got.ID) || got.SenderID != "me" {
		t.Errorf("placeholder = %+v", got)
	}
	if got.ID != placeholder.ID {
		t.Errorf("returned placeholder %q, cached %q", placeholder.ID, got.ID)
	}
}

func TestBeginRejectsBlankBody(t *testing.T) {
	store := loadedCache(t, "b")
	c := newTestCoordinator()

	for _, body := range []string{"", "   ", "\n\t"} {
		_, _, err := c.Begin(store, "b", body)
		if !chat.IsValidation(err) {
			t.Errorf("Begin(%q) error = %v, want ValidationError", body, err)
		}
	}
	if n := len(store.List("b")); n != 0 {
		t.Errorf("cache has %d messages after rejected sends, want 0", n)
	}
	if len(c.Pending()) != 0 {
		t.Error("rejected sends must not create entries")
	}
}

func TestConfirmReplacesInPlace(t *testing.T) {
	store := loadedCache(t, "b")
	c := newTestCoordinator()

	entry, _, err := c.Begin(store, "b", "hello")
	if err != nil {
		t.Fatal(err)
	}
	done, err := c.Confirm(store, entry.TempID, chat.Message{ID: "m123", ConversationID: "b", SenderID: "me", Body: "hello", CreatedAt: base.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if done.State != Confirmed || done.ServerID != "m123" {
		t.Errorf("entry = %+v", done)
	}

	msgs := store.List("b")
	if len(msgs) != 1 || msgs[0].ID != "m123" || msgs[0].Body != "hello" {
		t.Fatalf("messages = %+v, want single m123", msgs)
	}
	if _, ok := c.Get(entry.TempID); ok {
		t.Error("confirmed entry still tracked")
	}
}

func TestConfirmKeepsSlotBetweenNeighbours(t *testing.T) {
	store := loadedCache(t, "b", chat.Message{ID: "m1", ConversationID: "b", CreatedAt: base})
	c := newTestCoordinator()

	entry, _, _ := c.Begin(store, "b", "hello")
	store.ApplyNewMessage(chat.Message{ID: "m3", ConversationID: "b", CreatedAt: base.Add(2 * time.Hour)})

	if _, err := c.Confirm(store, entry.TempID, chat.Message{ID: "m2", ConversationID: "b", Body: "hello", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "m2", "m3"}
	got := store.List("b")
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestConfirmDropsPushedCopy(t *testing.T) {
	store := loadedCache(t, "b")
	c := newTestCoordinator()

	entry, _, _ := c.Begin(store, "b", "hello")
	// The push for the same send lands before the HTTP response.
	store.ApplyNewMessage(chat.Message{ID: "m123", ConversationID: "b", Body: "hello", CreatedAt: base.Add(time.Hour + time.Second)})
	if n := len(store.List("b")); n != 2 {
		t.Fatalf("got %d messages before confirm, want 2", n)
	}

	if _, err := c.Confirm(store, entry.TempID, chat.Message{ID: "m123", ConversationID: "b", Body: "hello", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	msgs := store.List("b")
	if len(msgs) != 1 || msgs[0].ID != "m123" {
		t.Fatalf("messages = %+v, want single m123", msgs)
	}
}

func TestConfirmAfterPageReloadInsertsServerCopy(t *testing.T) {
	store := loadedCache(t, "b")
	c := newTestCoordinator()

	entry, _, _ := c.Begin(store, "b", "hello")
	// Page 1 reloaded from a snapshot taken before the send committed.
	if err := store.LoadPage(chat.MessagePage{ConversationID: "b", Info: chat.PageInfo{Page: 1, Pages: 1}}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Confirm(store, entry.TempID, chat.Message{ID: "m9", ConversationID: "b", Body: "hello", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	msgs := store.List("b")
	if len(msgs) != 1 || msgs[0].ID != "m9" {
		t.Fatalf("messages = %+v, want single m9", msgs)
	}
}

func TestRollbackRestoresPriorState(t *testing.T) {
	prior := []chat.Message{
		{ID: "m1", ConversationID: "b", CreatedAt: base},
		{ID: "m2", ConversationID: "b", CreatedAt: base.Add(time.Minute)},
	}
	store := loadedCache(t, "b", prior...)
	c := newTestCoordinator()

	entry, _, _ := c.Begin(store, "b", "doomed")
	cause := errors.New("boom")
	done, err := c.Rollback(store, entry.TempID, cause)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != RolledBack || !errors.Is(done.Err, cause) {
		t.Errorf("entry = %+v", done)
	}

	got := store.List("b")
	if len(got) != len(prior) {
		t.Fatalf("got %d messages, want %d", len(got), len(prior))
	}
	for i := range prior {
		if got[i].ID != prior[i].ID {
			t.Errorf("message %d = %s, want %s", i, got[i].ID, prior[i].ID)
		}
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	store := loadedCache(t, "b")
	c := newTestCoordinator()

	entry, _, _ := c.Begin(store, "b", "hello")
	if _, err := c.Rollback(store, entry.TempID, errors.New("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Confirm(store, entry.TempID, chat.Message{ID: "late"}); !errors.Is(err, ErrUnknownSend) {
		t.Errorf("Confirm after rollback error = %v, want ErrUnknownSend", err)
	}
	if _, err := c.Rollback(store, entry.TempID, nil); !errors.Is(err, ErrUnknownSend) {
		t.Errorf("double rollback error = %v, want ErrUnknownSend", err)
	}
}

func TestDuplicateTempIDRejected(t *testing.T) {
	store := loadedCache(t, "b")
	c := NewCoordinator("me", "Me", nil, WithIDSource(func() string { return "tmp-fixed" }))

	if _, _, err := c.Begin(store, "b", "one"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Begin(store, "b", "two"); err == nil {
		t.Fatal("second Begin with the same temp id should fail")
	}
	if n := len(store.List("b")); n != 1 {
		t.Errorf("got %d placeholders, want 1", n)
	}
}

func TestNewTempIDIsDistinguishableAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewTempID()
		if !chat.IsTempID(id) {
			t.Fatalf("%q lacks temp prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate temp id %q", id)
		}
		seen[id] = true
	}
}

func TestPendingOrderedByCreation(t *testing.T) {
	store := loadedCache(t, "b")
	tick := base
	c := NewCoordinator("me", "Me", nil,
		WithIDSource(seqIDs()),
		WithClock(func() time.Time { tick = tick.Add(time.Second); return tick }),
	)
	for _, body := range []string{"a", "b", "c"} {
		if _, _, err := c.Begin(store, "b", body); err != nil {
			t.Fatal(err)
		}
	}
	pending := c.Pending()
	if len(pending) != 3 || pending[0].Body != "a" || pending[2].Body != "c" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestReattachRestoresPlaceholdersAfterReload(t *testing.T) {
	store := loadedCache(t, "b", chat.Message{ID: "m1", ConversationID: "b", CreatedAt: base})
	c := newTestCoordinator()

	first, _, err := c.Begin(store, "b", "one")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Begin(store, "b", "two"); err != nil {
		t.Fatal(err)
	}

	// Page 1 comes back from the server without the placeholders.
	if err := store.LoadPage(chat.MessagePage{
		ConversationID: "b",
		Messages:       []chat.Message{{ID: "m1", ConversationID: "b", CreatedAt: base}},
		Info:           chat.PageInfo{Page: 1, Pages: 1, Limit: 20},
	}); err != nil {
		t.Fatal(err)
	}
	if n := c.Reattach(store, "b"); n != 2 {
		t.Fatalf("reattached %d, want 2", n)
	}
	if n := c.Reattach(store, "b"); n != 0 {
		t.Fatalf("second reattach restored %d, want 0", n)
	}

	msgs := store.List("b")
	if len(msgs) != 3 || msgs[1].Body != "one" || msgs[2].Body != "two" {
		t.Fatalf("messages = %+v", msgs)
	}

	if _, err := c.Confirm(store, first.TempID, chat.Message{ID: "s1", ConversationID: "b", Body: "one", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	msgs = store.List("b")
	if msgs[1].ID != "s1" {
		t.Fatalf("confirmed slot = %+v", msgs[1])
	}
}
