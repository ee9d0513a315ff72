package status

import (
	"errors"
	"testing"
	"time"

	"github.com/kontalk/konk/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
	if !m.CanConnect() {
		t.Error("should be able to connect from DISCONNECTED")
	}
}

func TestConnectCycle(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Connecting, Connected, Disconnecting, Disconnected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("DISCONNECTED -> CONNECTED should fail")
	}
	if m.Current() != Disconnected {
		t.Errorf("state changed on invalid transition: %s", m.Current())
	}
}

func TestFailureFromAnyLiveState(t *testing.T) {
	for _, from := range []State{Disconnected, Connecting, Connected, Disconnecting} {
		m := &Machine{current: from}
		if err := m.Transition(Failed); err != nil {
			t.Errorf("%s -> FAILED: %v", from, err)
		}
		m = &Machine{current: from}
		if err := m.Transition(Error); err != nil {
			t.Errorf("%s -> ERROR: %v", from, err)
		}
	}
}

func TestShuttingDownIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(ShuttingDown); err != nil {
		t.Fatal(err)
	}
	for _, to := range []State{Connecting, Disconnected, Failed, Error} {
		if err := m.Transition(to); !errors.Is(err, ErrTerminal) {
			t.Errorf("SHUTTING_DOWN -> %s: got %v, want ErrTerminal", to, err)
		}
	}
	if m.CanConnect() {
		t.Error("CanConnect() after shutdown")
	}
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}
