// Package compositor mixes live comets into one color per fixture on every tick.
package compositor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/comet"
	"github.com/dokzlo13/cometd/internal/eventbus"
	"github.com/dokzlo13/cometd/internal/fixture"
)

// Fixtures provides the fixtures to paint.
type Fixtures interface {
	Snapshot() []*fixture.Handle
}

// Sources provides the comets to mix.
type Sources interface {
	PruneAndSnapshot(now time.Time) (live, expired []*comet.Source)
}

// Result summarizes one tick.
type Result struct {
	Live    int // sources mixed this tick
	Expired int // sources pruned this tick
	Applied int // fixtures that received a color
	Skipped int // disconnected fixtures
	Failed  int // fixtures whose apply failed
}

// Engine composites sources onto fixtures. It keeps no state between ticks.
type Engine struct {
	fixtures     Fixtures
	sources      Sources
	falloff      comet.Falloff
	applyTimeout time.Duration
	bus          *eventbus.Bus
}

// Option configures an Engine.
type Option func(*Engine)

// WithFalloff replaces the default flat weighting.
func WithFalloff(f comet.Falloff) Option {
	return func(e *Engine) { e.falloff = f }
}

// WithApplyTimeout bounds each fixture write.
func WithApplyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.applyTimeout = d }
}

// WithBus publishes expired comets on bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// New creates an engine over fixtures and sources.
func New(fixtures Fixtures, sources Sources, opts ...Option) *Engine {
	e := &Engine{
		fixtures: fixtures,
		sources:  sources,
		falloff:  comet.Flat{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick prunes expired sources, then mixes the survivors onto every connected
// fixture. With no live sources nothing is written, so fixtures keep their
// last color.
func (e *Engine) Tick(ctx context.Context, now time.Time) Result {
	live, expired := e.sources.PruneAndSnapshot(now)
	for _, src := range expired {
		log.Debug().Str("source", src.ID.String()).Dur("age", src.Age(now)).Msg("Comet expired")
		e.bus.Publish(eventbus.Event{
			Type: eventbus.EventTypeCometExpired,
			Data: map[string]any{"source": src.ID.String()},
		})
	}

	res := Result{Live: len(live), Expired: len(expired)}
	if len(live) == 0 {
		return res
	}

	for _, h := range e.fixtures.Snapshot() {
		if ctx.Err() != nil {
			break
		}

		color := Composite(live, h.Position(), now, e.falloff)

		if !h.Connected() {
			res.Skipped++
			continue
		}

		if err := e.apply(ctx, h, color); err != nil {
			res.Failed++
			log.Debug().Err(err).Int("fixture", int(h.ID())).Stringer("color", color).Msg("Apply failed")
			continue
		}
		res.Applied++
	}

	return res
}

func (e *Engine) apply(ctx context.Context, h *fixture.Handle, c fixture.Color) error {
	if e.applyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.applyTimeout)
		defer cancel()
	}
	return h.Apply(ctx, c)
}

// Composite sums the weighted contribution of every source at pos and clamps
// the result to the display range.
func Composite(sources []*comet.Source, pos fixture.Position, now time.Time, falloff comet.Falloff) fixture.Color {
	var sum comet.RGB
	for _, src := range sources {
		w := falloff.Weight(src, pos, now)
		if w <= 0 {
			continue
		}
		sum = sum.Add(src.Contribution(pos, now).Scale(w))
	}
	return sum.Clamp()
}
