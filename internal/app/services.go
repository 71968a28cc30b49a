package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/comet"
	"github.com/dokzlo13/cometd/internal/compositor"
	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/db"
	"github.com/dokzlo13/cometd/internal/driver"
	"github.com/dokzlo13/cometd/internal/eventbus"
	"github.com/dokzlo13/cometd/internal/fixture"
	"github.com/dokzlo13/cometd/internal/ledger"
	"github.com/dokzlo13/cometd/internal/metrics"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Bus      *eventbus.Bus
	DB       *db.DB
	Ledger   *ledger.Ledger
	Recorder *ledger.Recorder
	Metrics  *metrics.Exporter

	// Domain
	Transport *TransportService
	Registry  *fixture.Registry
	Pool      *comet.Pool
	Engine    *compositor.Engine
	Driver    *driver.Driver

	// Outer surfaces
	Ingress *IngressService
	Health  *HealthService

	driverDone chan struct{}
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize audit ledger
	if cfg.Ledger.Enabled {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
		s.Recorder = ledger.NewRecorder(s.Ledger)
		s.Recorder.Subscribe(s.Bus)
	}

	// Initialize transport (not connected yet)
	transport, err := NewTransportService(cfg.Transport)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Transport = transport

	// Initialize fixture registry
	positions := make(map[fixture.ID]fixture.Position, len(cfg.Fixtures.Positions))
	for id, p := range cfg.Fixtures.Positions {
		positions[fixture.ID(id)] = fixture.Position{X: p.X, Y: p.Y, Z: p.Z}
	}
	s.Registry = fixture.NewRegistry(transport.Transport, fixture.Options{
		NamePrefix:      cfg.Fixtures.NamePrefix,
		Positions:       positions,
		ConnectTimeout:  cfg.Transport.ConnectTimeout.Duration(),
		DiscoverTimeout: cfg.Transport.DiscoverTimeout.Duration(),
		ConnectRateRPS:  cfg.Discovery.ConnectRateRPS,
		Bus:             s.Bus,
	})

	// Initialize source pool and compositor
	s.Pool = comet.NewPool()
	falloff, err := comet.FalloffByName(cfg.Compositor.Falloff)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Engine = compositor.New(s.Registry, s.Pool,
		compositor.WithFalloff(falloff),
		compositor.WithApplyTimeout(cfg.Transport.ApplyTimeout.Duration()),
		compositor.WithBus(s.Bus),
	)

	// Initialize driver
	s.Driver = driver.New(s.Registry, s.Engine, driver.Config{
		TickInterval:      cfg.Compositor.TickInterval.Duration(),
		DiscoveryInterval: cfg.Discovery.Interval.Duration(),
		MinBackoff:        cfg.Discovery.MinRetryBackoff.Duration(),
		MaxBackoff:        cfg.Discovery.MaxRetryBackoff.Duration(),
		Multiplier:        cfg.Discovery.RetryMultiplier,
		MaxAttempts:       cfg.Discovery.MaxAttempts,
	})

	// Initialize outer surfaces
	s.Ingress = NewIngressService(cfg, s.Pool, s.Bus)
	var history History
	if s.Ledger != nil {
		history = s.Ledger
	}
	s.Health = NewHealthService(cfg, s.Registry, s.Pool, history)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a background service cannot continue.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Health first so /ready reports progress during startup discovery
	s.Health.Start(ctx)

	// Metrics are optional; an unreachable InfluxDB never blocks the lights
	if s.cfg.Metrics.Enabled {
		exporter, err := metrics.Connect(ctx, s.cfg.Metrics)
		if err != nil {
			log.Warn().Err(err).Msg("Metrics export disabled")
		} else {
			s.Metrics = exporter
			s.Metrics.Subscribe(s.Bus)
		}
	}

	if err := s.Transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s transport: %w", s.cfg.Transport.Kind, err)
	}

	if err := s.Driver.WaitForFixtures(ctx); err != nil {
		return err
	}

	s.Ingress.Start(ctx, onFatalError)

	s.driverDone = make(chan struct{})
	go func() {
		defer close(s.driverDone)
		s.Driver.Run(ctx)
	}()

	// Ledger cleanup (if ledger is enabled)
	if s.Recorder != nil {
		retention := s.cfg.Ledger.RetentionDuration()
		interval := s.cfg.Ledger.CleanupInterval.Duration()
		go s.Recorder.RunCleanup(ctx, interval, retention)
		log.Debug().Dur("retention", retention).Dur("interval", interval).Msg("Ledger cleanup scheduled")
	}

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources. The driver must already be cancelled.
func (s *Services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	if s.driverDone != nil {
		select {
		case <-s.driverDone:
		case <-ctx.Done():
			log.Warn().Msg("Driver did not stop before shutdown timeout")
		}
	}
	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
	if s.Metrics != nil {
		s.Metrics.Close()
	}
	if s.Transport != nil {
		s.Transport.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
