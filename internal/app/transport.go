package app

import (
	"context"
	"fmt"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/fixture"
	"github.com/dokzlo13/cometd/internal/transport/hue"
	"github.com/dokzlo13/cometd/internal/transport/mqtt"
	"github.com/dokzlo13/cometd/internal/transport/sim"
)

// TransportService owns the fixture transport selected by configuration.
type TransportService struct {
	cfg config.TransportConfig

	Transport fixture.Transport
	mqtt      *mqtt.Transport
}

// NewTransportService builds the configured transport without connecting it.
func NewTransportService(cfg config.TransportConfig) (*TransportService, error) {
	s := &TransportService{cfg: cfg}

	switch cfg.Kind {
	case config.TransportSim:
		s.Transport = sim.New(cfg.Sim)
	case config.TransportHue:
		s.Transport = hue.New(cfg.Hue)
	case config.TransportMQTT:
		s.mqtt = mqtt.New(cfg.MQTT)
		s.Transport = s.mqtt
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}

	return s, nil
}

// Start opens long-lived transport sessions. Only MQTT keeps one.
func (s *TransportService) Start(ctx context.Context) error {
	if s.mqtt != nil {
		return s.mqtt.Start(ctx)
	}
	return nil
}

// Close releases transport resources.
func (s *TransportService) Close() {
	if s.mqtt != nil {
		s.mqtt.Close()
	}
}
