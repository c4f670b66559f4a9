package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/taskchat/internal/bus"
)

// State is the lifecycle state of the push connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu          sync.RWMutex
	current     State
	since       time.Time
	connections int
	bus         *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	resumed := false
	if to == Connected {
		resumed = m.connections > 0
		m.connections++
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnStateChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From:    from,
				To:      to,
				Resumed: resumed,
			},
		})
	}
	return nil
}

// StatusChange is the payload for connection state events.
type StatusChange struct {
	From State
	To   State
	// Resumed is set when Connected is re-entered after an earlier
	// connection; events in between were missed.
	Resumed bool
}
