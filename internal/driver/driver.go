// Package driver runs the frame and discovery timers.
package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/compositor"
)

// ErrExhaustedFixtures is returned when startup discovery gives up without
// connecting a single fixture. It signals a deliberate shutdown, not a fault.
var ErrExhaustedFixtures = errors.New("no fixtures connected, startup attempts exhausted")

// Fixtures runs discovery passes and reports how many fixtures are connected.
type Fixtures interface {
	Discover(ctx context.Context) int
}

// Engine renders one frame.
type Engine interface {
	Tick(ctx context.Context, now time.Time) compositor.Result
}

// Config holds driver timing.
type Config struct {
	TickInterval      time.Duration
	DiscoveryInterval time.Duration
	MinBackoff        time.Duration // Startup backoff between empty passes
	MaxBackoff        time.Duration // Startup backoff cap
	Multiplier        float64       // Startup backoff multiplier
	MaxAttempts       int           // Startup passes, 0 = infinite
}

// DefaultConfig returns the default driver timing.
func DefaultConfig() Config {
	return Config{
		TickInterval:      5 * time.Millisecond,
		DiscoveryInterval: 30 * time.Second,
		MinBackoff:        1 * time.Second,
		MaxBackoff:        30 * time.Second,
		Multiplier:        2.0,
		MaxAttempts:       0, // infinite
	}
}

// Driver owns the periodic loops. The frame loop never waits on discovery.
type Driver struct {
	fixtures Fixtures
	engine   Engine
	cfg      Config
	now      func() time.Time
}

// New creates a driver.
func New(fixtures Fixtures, engine Engine, cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = def.DiscoveryInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}

	return &Driver{
		fixtures: fixtures,
		engine:   engine,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WaitForFixtures runs discovery until at least one fixture is connected.
// Empty passes are retried with exponential backoff. Returns ErrExhaustedFixtures
// once MaxAttempts passes come back empty, or the context error if cancelled.
func (d *Driver) WaitForFixtures(ctx context.Context) error {
	attempt := 0
	currentBackoff := d.cfg.MinBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempt++
		connected := d.fixtures.Discover(ctx)
		if connected > 0 {
			log.Info().Int("connected", connected).Int("attempt", attempt).Msg("Fixtures ready")
			return nil
		}

		if d.cfg.MaxAttempts > 0 && attempt >= d.cfg.MaxAttempts {
			log.Error().
				Int("max_attempts", d.cfg.MaxAttempts).
				Msg("No fixtures connected, giving up")
			return ErrExhaustedFixtures
		}

		log.Warn().
			Dur("backoff", currentBackoff).
			Int("attempt", attempt).
			Int("max_attempts", d.cfg.MaxAttempts).
			Msg("No fixtures connected, retrying discovery")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(currentBackoff):
		}

		// Calculate next backoff with multiplier, capped at max
		currentBackoff = min(time.Duration(float64(currentBackoff)*d.cfg.Multiplier), d.cfg.MaxBackoff)
	}
}

// Run drives the frame loop and the discovery loop until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	log.Info().
		Dur("tick_interval", d.cfg.TickInterval).
		Dur("discovery_interval", d.cfg.DiscoveryInterval).
		Msg("Starting driver")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.tickLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.discoveryLoop(ctx)
	}()
	wg.Wait()

	log.Info().Msg("Driver stopped")
}

func (d *Driver) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := d.engine.Tick(ctx, d.now())
			if res.Failed > 0 {
				log.Debug().
					Int("applied", res.Applied).
					Int("failed", res.Failed).
					Msg("Frame had failed fixtures")
			}
		}
	}
}

func (d *Driver) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fixtures.Discover(ctx)
		}
	}
}
