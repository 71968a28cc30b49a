package sim

import (
	"context"
	"testing"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/fixture"
)

func TestTransport(t *testing.T) {
	tr := New(config.SimConfig{Devices: []config.SimDevice{
		{Address: "sim-1", Name: "Light01"},
		{Address: "sim-2", Name: "Light02", Unreachable: true},
	}})
	ctx := context.Background()

	devices, err := tr.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Discover() returned %d devices, want 2", len(devices))
	}

	if err := tr.Connect(ctx, "sim-1"); err != nil {
		t.Errorf("Connect(sim-1) error: %v", err)
	}
	if err := tr.Connect(ctx, "sim-2"); err == nil {
		t.Error("Connect(sim-2) expected error for unreachable device")
	}
	if err := tr.Connect(ctx, "sim-9"); err == nil {
		t.Error("Connect(sim-9) expected error for unknown device")
	}

	red := fixture.Color{R: 255}
	if err := tr.Apply(ctx, "sim-1", red); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got, ok := tr.Color("sim-1"); !ok || got != red {
		t.Errorf("Color(sim-1) = %v, %v; want %v, true", got, ok, red)
	}

	tr.SetReachable("sim-1", false)
	if err := tr.Apply(ctx, "sim-1", red); err == nil {
		t.Error("Apply() expected error after device went unreachable")
	}
	tr.SetReachable("sim-2", true)
	if err := tr.Connect(ctx, "sim-2"); err != nil {
		t.Errorf("Connect(sim-2) error after recovery: %v", err)
	}
}

func TestTransportHonoursContext(t *testing.T) {
	tr := New(config.SimConfig{Devices: []config.SimDevice{{Address: "sim-1", Name: "Light01"}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Discover(ctx); err == nil {
		t.Error("Discover() expected error on cancelled context")
	}
	if err := tr.Apply(ctx, "sim-1", fixture.Color{}); err == nil {
		t.Error("Apply() expected error on cancelled context")
	}
}
