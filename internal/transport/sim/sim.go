// Package sim provides an in-memory fixture transport for running without hardware.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/fixture"
)

// Transport simulates a set of fixtures. Devices can be marked unreachable
// at runtime to exercise connectivity loss and recovery.
type Transport struct {
	mu      sync.RWMutex
	devices []fixture.Device
	down    map[string]bool
	colors  map[string]fixture.Color
}

// New creates a simulated transport from configuration.
func New(cfg config.SimConfig) *Transport {
	t := &Transport{
		down:   make(map[string]bool),
		colors: make(map[string]fixture.Color),
	}
	for _, d := range cfg.Devices {
		t.devices = append(t.devices, fixture.Device{Address: d.Address, Name: d.Name})
		if d.Unreachable {
			t.down[d.Address] = true
		}
	}
	return t
}

// Discover returns every configured device, reachable or not.
func (t *Transport) Discover(ctx context.Context) ([]fixture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]fixture.Device(nil), t.devices...), nil
}

// Connect succeeds for known, reachable devices.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.reachable(address)
}

// Apply records the color for a reachable device.
func (t *Transport) Apply(ctx context.Context, address string, c fixture.Color) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.reachable(address); err != nil {
		return err
	}

	t.mu.Lock()
	prev, seen := t.colors[address]
	t.colors[address] = c
	t.mu.Unlock()

	if !seen || prev != c {
		log.Debug().Str("address", address).Stringer("color", c).Msg("Simulated fixture color")
	}
	return nil
}

// SetReachable toggles a device's reachability.
func (t *Transport) SetReachable(address string, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[address] = !reachable
}

// Color returns the last color applied to a device.
func (t *Transport) Color(address string) (fixture.Color, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.colors[address]
	return c, ok
}

func (t *Transport) reachable(address string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.devices {
		if d.Address == address {
			if t.down[address] {
				return fmt.Errorf("device %s unreachable", address)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown device %s", address)
}
