package fixture

import (
	"context"
	"fmt"
	"sync/atomic"
)

// State is the connectivity state of a fixture.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handle is one physical fixture known to the registry.
// Connectivity is read and written atomically so the compositor never
// observes a torn state while discovery flips it.
type Handle struct {
	id        ID
	address   string
	position  Position
	transport Transport
	state     atomic.Int32

	// onLost runs after an apply failure flipped the handle to disconnected.
	onLost func(h *Handle, err error)
}

func newHandle(id ID, address string, pos Position, transport Transport) *Handle {
	return &Handle{
		id:        id,
		address:   address,
		position:  pos,
		transport: transport,
	}
}

// ID returns the fixture ID.
func (h *Handle) ID() ID { return h.id }

// Address returns the opaque transport address.
func (h *Handle) Address() string { return h.address }

// Position returns the fixture's position.
func (h *Handle) Position() Position { return h.position }

// State returns the current connectivity state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Connected reports whether the fixture currently accepts colors.
func (h *Handle) Connected() bool { return h.State() == StateConnected }

// setState stores s and reports whether it changed.
func (h *Handle) setState(s State) bool {
	return State(h.state.Swap(int32(s))) != s
}

// Apply sends a color to the fixture. A transport failure flips the handle
// to disconnected and is returned wrapped in ErrConnectivityLoss.
func (h *Handle) Apply(ctx context.Context, c Color) error {
	if err := h.transport.Apply(ctx, h.address, c); err != nil {
		wrapped := fmt.Errorf("fixture %d (%s): %w: %w", h.id, h.address, ErrConnectivityLoss, err)
		if h.setState(StateDisconnected) && h.onLost != nil {
			h.onLost(h, err)
		}
		return wrapped
	}
	return nil
}
