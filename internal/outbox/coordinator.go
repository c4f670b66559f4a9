// Package outbox tracks locally originated messages until the server
// confirms or rejects them.
package outbox

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/taskchat/internal/chat"
	"go.uber.org/zap"
)

// State is the lifecycle state of an outbound message.
type State string

const (
	Pending    State = "pending"
	Confirmed  State = "confirmed"
	RolledBack State = "rolled_back"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Pending: {Confirmed, RolledBack},
}

// ErrUnknownSend is returned when a transition names no pending send.
var ErrUnknownSend = errors.New("no pending send with that id")

// MessageStore is the part of the message cache the coordinator writes to.
type MessageStore interface {
	Append(msg chat.Message)
	Replace(conversationID, id string, msg chat.Message) bool
	Remove(conversationID, id string) bool
	Has(conversationID, id string) bool
	ApplyNewMessage(msg chat.Message) bool
	Position(conversationID, id string) (int, int)
	RemoveDuplicates(conversationID, id string, keepPage, keepIndex int) int
}

// Entry is the coordinator's record of one outbound message.
type Entry struct {
	TempID         string
	ConversationID string
	Body           string
	State          State
	ServerID       string
	Err            error
	CreatedAt      time.Time
}

// Coordinator owns the Pending -> Confirmed | RolledBack state machine.
// Cache writes go through the MessageStore passed to each transition, so
// the caller decides how the cache is serialized.
type Coordinator struct {
	mu       sync.Mutex
	selfID   string
	selfName string
	entries  map[string]*Entry
	newID    func() string
	now      func() time.Time
	logger   *zap.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithIDSource replaces the temporary id generator.
func WithIDSource(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithClock replaces the time source used for placeholder timestamps.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) { c.now = fn }
}

// NewCoordinator creates a coordinator sending as selfID.
func NewCoordinator(selfID, selfName string, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		selfID:   selfID,
		selfName: selfName,
		entries:  make(map[string]*Entry),
		newID:    NewTempID,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTempID returns a placeholder id. UUIDv7 is time ordered and
// monotonic within the process, so ids never repeat in a session.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return chat.TempIDPrefix + id.String()
}

// Begin validates body, synthesizes a placeholder and appends it to the
// conversation's newest page. The returned message is what was inserted.
func (c *Coordinator) Begin(store MessageStore, conversationID, body string) (Entry, chat.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Entry{}, chat.Message{}, &chat.ValidationError{Field: "conversation", Reason: "must not be empty"}
	}
	if strings.TrimSpace(body) == "" {
		return Entry{}, chat.Message{}, &chat.ValidationError{Field: "body", Reason: "must not be empty"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tempID := c.newID()
	if _, exists := c.entries[tempID]; exists {
		return Entry{}, chat.Message{}, fmt.Errorf("temporary id %s already pending", tempID)
	}

	now := c.now()
	placeholder := chat.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       c.selfID,
		SenderName:     c.selfName,
		Body:           body,
		Read:           false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	store.Append(placeholder)

	e := &Entry{
		TempID:         tempID,
		ConversationID: conversationID,
		Body:           body,
		State:          Pending,
		CreatedAt:      now,
	}
	c.entries[tempID] = e
	c.logger.Debug("optimistic message inserted", zap.String("temp_id", tempID), zap.String("conversation", conversationID))
	return *e, placeholder, nil
}

// Confirm swaps the placeholder for the server's message in the same slot.
// Any other cached copy of the server id, typically a push that arrived
// before the response, is removed.
func (c *Coordinator) Confirm(store MessageStore, tempID string, server chat.Message) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.transition(tempID, Confirmed)
	if err != nil {
		return Entry{}, err
	}
	if server.ConversationID == "" {
		server.ConversationID = e.ConversationID
	}
	e.ServerID = server.ID

	p, i := store.Position(e.ConversationID, tempID)
	if p >= 0 && store.Replace(e.ConversationID, tempID, server) {
		if n := store.RemoveDuplicates(e.ConversationID, server.ID, p, i); n > 0 {
			c.logger.Debug("dropped pushed copy of confirmed message", zap.String("msg_id", server.ID), zap.Int("copies", n))
		}
	} else if !store.Has(e.ConversationID, server.ID) {
		// The placeholder was lost to a page reload that predates the send.
		store.ApplyNewMessage(server)
	}

	delete(c.entries, tempID)
	c.logger.Info("message confirmed", zap.String("temp_id", tempID), zap.String("server_msg_id", server.ID))
	return *e, nil
}

// Rollback removes the placeholder. The send is not retried.
func (c *Coordinator) Rollback(store MessageStore, tempID string, cause error) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.transition(tempID, RolledBack)
	if err != nil {
		return Entry{}, err
	}
	e.Err = cause
	store.Remove(e.ConversationID, tempID)

	delete(c.entries, tempID)
	c.logger.Warn("message rolled back", zap.String("temp_id", tempID), zap.Error(cause))
	return *e, nil
}

// Pending returns the sends still awaiting a response, oldest first.
func (c *Coordinator) Pending() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.TempID, b.TempID))
	})
	return out
}

// Reattach puts the placeholders of pending sends back into a conversation
// whose newest page was just reloaded. It returns how many were restored.
func (c *Coordinator) Reattach(store MessageStore, conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.ConversationID == conversationID && e.State == Pending && !store.Has(conversationID, e.TempID) {
			pending = append(pending, e)
		}
	}
	slices.SortFunc(pending, func(a, b *Entry) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.TempID, b.TempID))
	})
	for _, e := range pending {
		store.Append(chat.Message{
			ID:             e.TempID,
			ConversationID: e.ConversationID,
			SenderID:       c.selfID,
			SenderName:     c.selfName,
			Body:           e.Body,
			CreatedAt:      e.CreatedAt,
			UpdatedAt:      e.CreatedAt,
		})
	}
	return len(pending)
}

// Get returns the pending entry for tempID.
func (c *Coordinator) Get(tempID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tempID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (c *Coordinator) transition(tempID string, to State) (*Entry, error) {
	e, ok := c.entries[tempID]
	if !ok {
		return nil, fmt.Errorf("%s -> %s: %w", tempID, to, ErrUnknownSend)
	}
	if !slices.Contains(validTransitions[e.State], to) {
		return nil, fmt.Errorf("invalid transition from %s to %s", e.State, to)
	}
	e.State = to
	return e, nil
}
