package comet

import (
	"fmt"
	"time"

	"github.com/dokzlo13/cometd/internal/fixture"
)

// Falloff weights a source's contribution at a fixture. Weights are in [0, 1].
type Falloff interface {
	Weight(s *Source, at fixture.Position, now time.Time) float64
}

// Flat applies the full color to every fixture for the whole lifespan.
type Flat struct{}

// Weight implements Falloff.
func (Flat) Weight(*Source, fixture.Position, time.Time) float64 { return 1 }

// Fade dims the source linearly over its remaining lifetime.
type Fade struct{}

// Weight implements Falloff.
func (Fade) Weight(s *Source, _ fixture.Position, now time.Time) float64 {
	remaining := 1 - float64(s.Age(now))/float64(s.Lifespan)
	return min(max(remaining, 0), 1)
}

// FalloffByName resolves a configured falloff mode.
func FalloffByName(name string) (Falloff, error) {
	switch name {
	case "", "flat":
		return Flat{}, nil
	case "fade":
		return Fade{}, nil
	default:
		return nil, fmt.Errorf("unknown falloff %q", name)
	}
}
