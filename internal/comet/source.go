// Package comet models transient, positioned light sources and the pool that holds them.
package comet

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/dokzlo13/cometd/internal/fixture"
)

// ErrInvalidSource is returned when a source cannot be constructed.
var ErrInvalidSource = errors.New("invalid light source")

// RGB is a color on the 0..255 display scale. Channels are real numbers so
// several sources can be summed before clamping.
type RGB struct {
	R, G, B float64
}

// Add returns the channel-wise sum.
func (c RGB) Add(o RGB) RGB {
	return RGB{R: c.R + o.R, G: c.G + o.G, B: c.B + o.B}
}

// Scale multiplies every channel by f.
func (c RGB) Scale(f float64) RGB {
	return RGB{R: c.R * f, G: c.G * f, B: c.B * f}
}

// Clamp saturates each channel into [0, 255] and rounds to the nearest step.
// Overflow caps at the channel maximum; it never wraps.
func (c RGB) Clamp() fixture.Color {
	return fixture.Color{R: clampChannel(c.R), G: clampChannel(c.G), B: clampChannel(c.B)}
}

func clampChannel(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}

// FromHSL converts hue, saturation and lightness, each in [0, 1], to RGB.
func FromHSL(h, s, l float64) RGB {
	c := colorful.Hsl(h*360, s, l).Clamped()
	return RGB{R: c.R * 255, G: c.G * 255, B: c.B * 255}
}

// Source is a comet: a positioned, colored emitter with a finite lifespan.
type Source struct {
	ID        uuid.UUID
	Position  fixture.Position
	Color     RGB
	CreatedAt time.Time
	Lifespan  time.Duration
}

// New validates and creates a source born at createdAt.
func New(pos fixture.Position, color RGB, lifespan time.Duration, createdAt time.Time) (*Source, error) {
	id := uuid.New()

	if lifespan <= 0 {
		return nil, fmt.Errorf("source %s: %w: lifespan %s must be positive", id, ErrInvalidSource, lifespan)
	}
	for _, ch := range []float64{color.R, color.G, color.B} {
		if math.IsNaN(ch) || ch < 0 || ch > 255 {
			return nil, fmt.Errorf("source %s: %w: color channel %v outside [0, 255]", id, ErrInvalidSource, ch)
		}
	}
	for _, v := range []float64{pos.X, pos.Y, pos.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("source %s: %w: position %v is not finite", id, ErrInvalidSource, pos)
		}
	}

	return &Source{
		ID:        id,
		Position:  pos,
		Color:     color,
		CreatedAt: createdAt,
		Lifespan:  lifespan,
	}, nil
}

// Age returns how long the source has existed at now. It never goes negative.
func (s *Source) Age(now time.Time) time.Duration {
	age := now.Sub(s.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsLive reports whether the source still contributes at now.
func (s *Source) IsLive(now time.Time) bool {
	return s.Age(now) < s.Lifespan
}

// Contribution is the color this source adds to a fixture at pos.
// Every fixture receives the full base color; distance or lifetime weighting
// is layered on by a Falloff.
func (s *Source) Contribution(pos fixture.Position, now time.Time) RGB {
	return s.Color
}

// String implements fmt.Stringer for log output.
func (s *Source) String() string {
	return fmt.Sprintf("comet %s rgb(%.0f,%.0f,%.0f) at (%g,%g,%g) for %s",
		s.ID, s.Color.R, s.Color.G, s.Color.B, s.Position.X, s.Position.Y, s.Position.Z, s.Lifespan)
}
