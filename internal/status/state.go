package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/mktinbox/internal/bus"
)

// State is the lifecycle state of a conversation's live channel.
type State string

const (
	Closed       State = "CLOSED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	// Degraded means reconnect attempts were exhausted; the conversation is
	// kept fresh by polling only.
	Degraded State = "DEGRADED"
)

// ErrInvalidTransition is wrapped by Transition when the move is not allowed.
var ErrInvalidTransition = errors.New("invalid live channel transition")

var validTransitions = map[State][]State{
	Closed:       {Connecting},
	Connecting:   {Open, Reconnecting, Closed},
	Open:         {Reconnecting, Closed},
	Reconnecting: {Open, Degraded, Closed},
	Degraded:     {Closed},
}

// Machine tracks and enforces the state of one conversation's live channel.
type Machine struct {
	mu             sync.RWMutex
	conversationID string
	current        State
	bus            *bus.Bus
}

// NewMachine creates a new state machine for conversationID starting Closed.
func NewMachine(conversationID string, b *bus.Bus) *Machine {
	return &Machine{
		conversationID: conversationID,
		current:        Closed,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to the given state and publishes live.status_changed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("%s: %s -> %s: %w", m.conversationID, m.current, to, ErrInvalidTransition)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.NewEvent(bus.KindLiveStatusChanged, m.conversationID, StatusChange{
		From: from,
		To:   to,
	}))
	return nil
}

// Close moves to Closed from any state. It reports whether a transition happened.
func (m *Machine) Close() bool {
	if m.Current() == Closed {
		return false
	}
	return m.Transition(Closed) == nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
