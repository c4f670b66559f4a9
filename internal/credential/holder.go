// Package credential keeps the bearer token in memory. It is never persisted.
package credential

import (
	"sync"

	"github.com/matheus3301/taskchat/internal/bus"
)

// Holder supplies the current bearer token to REST calls and the push link.
type Holder struct {
	mu    sync.RWMutex
	token string
	bus   *bus.Bus
}

// NewHolder creates a holder seeded with token, which may be empty.
func NewHolder(token string, b *bus.Bus) *Holder {
	return &Holder{token: token, bus: b}
}

// Token returns the current token and whether one is set.
func (h *Holder) Token() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token, h.token != ""
}

// Set replaces the token. Setting the same value publishes nothing.
func (h *Holder) Set(token string) {
	h.mu.Lock()
	changed := h.token != token
	h.token = token
	h.mu.Unlock()
	if changed && h.bus != nil {
		h.bus.Publish(bus.Event{Kind: bus.KindCredentialChanged})
	}
}

// Clear removes the token, which tears down the push link.
func (h *Holder) Clear() {
	h.Set("")
}
