package main

import (
	"testing"

	"github.com/dokzlo13/cometd/internal/config"
)

func TestSimulateFixtures(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportHue
	cfg.Fixtures.Positions = map[int]config.PositionConfig{12: {}, 3: {}}

	simulateFixtures(cfg)

	if cfg.Transport.Kind != config.TransportSim {
		t.Errorf("Kind = %q, want sim", cfg.Transport.Kind)
	}
	devices := cfg.Transport.Sim.Devices
	if len(devices) != 2 {
		t.Fatalf("simulated %d devices, want 2", len(devices))
	}
	if devices[0].Name != "Light03" || devices[1].Name != "Light12" {
		t.Errorf("device names = %q, %q; want Light03, Light12", devices[0].Name, devices[1].Name)
	}
}

func TestSimulateFixturesKeepsConfiguredDevices(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Sim.Devices = []config.SimDevice{{Address: "a", Name: "Light05"}}

	simulateFixtures(cfg)

	if len(cfg.Transport.Sim.Devices) != 1 {
		t.Errorf("configured sim devices were replaced: %v", cfg.Transport.Sim.Devices)
	}
}
