package cache

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/taskchat/internal/chat"
)

// ErrPageGap is returned when a page would leave a hole in the fetched range.
var ErrPageGap = errors.New("page is not contiguous with cached pages")

// Messages caches paginated message history per conversation.
//
// Page 1 is the newest window. Each page is ascending by CreatedAt and every
// following page holds older messages, so List walks the pages backwards.
type Messages struct {
	threads map[string]*thread
}

type thread struct {
	pages [][]chat.Message
	info  chat.PageInfo
}

// NewMessages creates an empty message cache.
func NewMessages() *Messages {
	return &Messages{threads: make(map[string]*thread)}
}

// LoadPage stores a fetched page. Page 1 replaces the thread; later pages
// are appended and must follow the last fetched page. Messages already
// cached under the same id are skipped.
func (c *Messages) LoadPage(p chat.MessagePage) error {
	if p.Info.Page < 1 {
		return fmt.Errorf("load page %d: %w", p.Info.Page, ErrPageGap)
	}
	if p.Info.Page == 1 {
		c.threads[p.ConversationID] = &thread{
			pages: [][]chat.Message{slices.Clone(p.Messages)},
			info:  p.Info,
		}
		return nil
	}

	t, ok := c.threads[p.ConversationID]
	if !ok || p.Info.Page != len(t.pages)+1 {
		return fmt.Errorf("load page %d of %s: %w", p.Info.Page, p.ConversationID, ErrPageGap)
	}
	page := make([]chat.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		if t.has(m.ID) {
			continue
		}
		page = append(page, m)
	}
	t.pages = append(t.pages, page)
	t.info = p.Info
	return nil
}

// Loaded reports whether page 1 of the conversation is cached.
func (c *Messages) Loaded(conversationID string) bool {
	_, ok := c.threads[conversationID]
	return ok
}

// PagesLoaded returns how many pages of the conversation are cached.
func (c *Messages) PagesLoaded(conversationID string) int {
	t, ok := c.threads[conversationID]
	if !ok {
		return 0
	}
	return len(t.pages)
}

// HasNextPage reports whether older history remains on the server,
// according to the metadata of the last fetched page.
func (c *Messages) HasNextPage(conversationID string) bool {
	t, ok := c.threads[conversationID]
	if !ok {
		return false
	}
	return t.info.HasNext()
}

// List returns the cached messages of a conversation, ascending by CreatedAt.
func (c *Messages) List(conversationID string) []chat.Message {
	t, ok := c.threads[conversationID]
	if !ok {
		return nil
	}
	var out []chat.Message
	for i := len(t.pages) - 1; i >= 0; i-- {
		out = append(out, t.pages[i]...)
	}
	return out
}

// Has reports whether a message with id is cached for the conversation.
func (c *Messages) Has(conversationID, id string) bool {
	t, ok := c.threads[conversationID]
	return ok && t.has(id)
}

// ApplyNewMessage inserts a pushed message. It returns false when the
// conversation has no cached history or the id is already present.
func (c *Messages) ApplyNewMessage(msg chat.Message) bool {
	t, ok := c.threads[msg.ConversationID]
	if !ok || t.has(msg.ID) {
		return false
	}
	t.insert(msg)
	return true
}

// Append places msg at the tail of the newest page, creating the thread
// when nothing has been fetched yet.
func (c *Messages) Append(msg chat.Message) {
	t, ok := c.threads[msg.ConversationID]
	if !ok {
		t = &thread{pages: [][]chat.Message{nil}}
		c.threads[msg.ConversationID] = t
	}
	t.pages[0] = append(t.pages[0], msg)
}

// Replace swaps the message with id for msg, keeping its position.
func (c *Messages) Replace(conversationID, id string, msg chat.Message) bool {
	t, ok := c.threads[conversationID]
	if !ok {
		return false
	}
	p, i := t.find(id)
	if p < 0 {
		return false
	}
	t.pages[p][i] = msg
	return true
}

// Remove deletes the message with id.
func (c *Messages) Remove(conversationID, id string) bool {
	t, ok := c.threads[conversationID]
	if !ok {
		return false
	}
	p, i := t.find(id)
	if p < 0 {
		return false
	}
	t.pages[p] = slices.Delete(t.pages[p], i, i+1)
	return true
}

// RemoveDuplicates drops every copy of id except the one at
// (keepPage, keepIndex) and returns how many copies were removed.
func (c *Messages) RemoveDuplicates(conversationID, id string, keepPage, keepIndex int) int {
	t, ok := c.threads[conversationID]
	if !ok {
		return 0
	}
	removed := 0
	for p := range t.pages {
		kept := t.pages[p][:0]
		for i, m := range t.pages[p] {
			if m.ID == id && (p != keepPage || i != keepIndex) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		t.pages[p] = kept
	}
	return removed
}

// Position returns the page and index of id, or -1, -1.
func (c *Messages) Position(conversationID, id string) (int, int) {
	t, ok := c.threads[conversationID]
	if !ok {
		return -1, -1
	}
	return t.find(id)
}

// ApplyReadReceipt marks the messages authored by selfID as read.
// Messages the current user received are left untouched.
func (c *Messages) ApplyReadReceipt(conversationID, selfID string, at time.Time) int {
	t, ok := c.threads[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for p := range t.pages {
		for i := range t.pages[p] {
			m := &t.pages[p][i]
			if m.SenderID != selfID || m.Read {
				continue
			}
			readAt := at
			m.Read = true
			m.ReadAt = &readAt
			n++
		}
	}
	return n
}

func (t *thread) has(id string) bool {
	p, _ := t.find(id)
	return p >= 0
}

func (t *thread) find(id string) (int, int) {
	for p, page := range t.pages {
		for i, m := range page {
			if m.ID == id {
				return p, i
			}
		}
	}
	return -1, -1
}

// insert places msg in the newest page that can hold it without breaking
// ascending order, scanning each page from its tail.
func (t *thread) insert(msg chat.Message) {
	for p, page := range t.pages {
		last := p == len(t.pages)-1
		if !last && (len(page) == 0 || msg.CreatedAt.Before(page[0].CreatedAt)) {
			continue
		}
		i := len(page)
		for i > 0 && msg.CreatedAt.Before(page[i-1].CreatedAt) {
			i--
		}
		t.pages[p] = slices.Insert(page, i, msg)
		return
	}
}
