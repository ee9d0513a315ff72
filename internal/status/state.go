package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/kontalk/konk/internal/bus"
)

// State is the connection status of the client.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Disconnecting State = "DISCONNECTING"
	Failed        State = "FAILED"
	Error         State = "ERROR"
	ShuttingDown  State = "SHUTTING_DOWN"
)

// ErrTerminal is returned for any transition out of ShuttingDown.
var ErrTerminal = errors.New("client is shutting down")

var validTransitions = map[State][]State{
	Disconnected:  {Connecting, Failed, Error, ShuttingDown},
	Connecting:    {Connected, Disconnecting, Disconnected, Failed, Error, ShuttingDown},
	Connected:     {Disconnecting, Failed, Error, ShuttingDown},
	Disconnecting: {Disconnected, Failed, Error, ShuttingDown},
	Failed:        {Connecting, Disconnected, Error, ShuttingDown},
	Error:         {Connecting, Disconnected, Failed, ShuttingDown},
	ShuttingDown:  {},
}

// Change is the payload of connection.status_changed events.
type Change struct {
	From State
	To   State
}

// Machine enforces connection status transitions and announces them on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to the given state or returns an error if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if from == ShuttingDown {
		m.mu.Unlock()
		return ErrTerminal
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	m.bus.Emit(bus.KindStatusChanged, Change{From: from, To: to})
	return nil
}

// CanConnect reports whether a connect attempt is allowed from the current state.
func (m *Machine) CanConnect() bool {
	return slices.Contains(validTransitions[m.Current()], Connecting)
}
