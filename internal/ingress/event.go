// Package ingress receives comet events from the network and feeds the source pool.
package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dokzlo13/cometd/internal/comet"
	"github.com/dokzlo13/cometd/internal/fixture"
)

// ErrDecode is returned for events with missing or mistyped fields.
var ErrDecode = errors.New("malformed comet event")

// Event is the wire schema of one comet.
//
//	{"color": {"r": 255, "g": 0, "b": 0},       // optional, 0..255 per channel
//	 "colorHSL": {"h": 0, "s": 1, "l": 0.5},    // optional, 0..1 per component
//	 "position": {"x": 0, "y": 0, "z": 0},      // required
//	 "lifespan": 2.5}                           // required, seconds or "1500ms"
//
// At least one color is required; RGB wins when both are present.
type Event struct {
	Color    *RGBPayload      `json:"color"`
	ColorHSL *HSLPayload      `json:"colorHSL"`
	Position *PositionPayload `json:"position"`
	Lifespan *Lifespan        `json:"lifespan"`
}

// RGBPayload is a color on the 0..255 scale.
type RGBPayload struct {
	R *float64 `json:"r"`
	G *float64 `json:"g"`
	B *float64 `json:"b"`
}

// HSLPayload is a color with every component on the 0..1 scale.
type HSLPayload struct {
	H *float64 `json:"h"`
	S *float64 `json:"s"`
	L *float64 `json:"l"`
}

// PositionPayload is a point in fixture space.
type PositionPayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// Lifespan accepts a JSON number of seconds or a Go duration string.
type Lifespan time.Duration

// maxLifespanSeconds is the largest lifespan time.Duration can hold.
var maxLifespanSeconds = float64(math.MaxInt64) / float64(time.Second)

// UnmarshalJSON implements json.Unmarshaler for Lifespan
func (l *Lifespan) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("lifespan %q: %w", s, err)
		}
		*l = Lifespan(d)
		return nil
	}

	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	if math.Abs(seconds) >= maxLifespanSeconds {
		return fmt.Errorf("lifespan %g seconds is out of range", seconds)
	}
	*l = Lifespan(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Decode parses and validates one event. Every failure wraps ErrDecode and
// names the offending field.
func Decode(data []byte) (*Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ev); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, fmt.Errorf("%w: field %q: expected %s, got %s", ErrDecode, typeErr.Field, typeErr.Type, typeErr.Value)
		}
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected data after event", ErrDecode)
	}

	if err := ev.validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (ev *Event) validate() error {
	if ev.Position == nil {
		return missing("position")
	}
	if err := requireAll("position", map[string]*float64{"x": ev.Position.X, "y": ev.Position.Y, "z": ev.Position.Z}); err != nil {
		return err
	}
	if ev.Lifespan == nil {
		return missing("lifespan")
	}

	switch {
	case ev.Color != nil:
		return requireAll("color", map[string]*float64{"r": ev.Color.R, "g": ev.Color.G, "b": ev.Color.B})
	case ev.ColorHSL != nil:
		components := map[string]*float64{"h": ev.ColorHSL.H, "s": ev.ColorHSL.S, "l": ev.ColorHSL.L}
		if err := requireAll("colorHSL", components); err != nil {
			return err
		}
		return inUnitRange("colorHSL", components)
	default:
		return missing("color")
	}
}

// RGB returns the event's color on the 0..255 scale.
func (ev *Event) RGB() comet.RGB {
	if ev.Color != nil {
		return comet.RGB{R: *ev.Color.R, G: *ev.Color.G, B: *ev.Color.B}
	}
	return comet.FromHSL(*ev.ColorHSL.H, *ev.ColorHSL.S, *ev.ColorHSL.L)
}

// Source builds the comet described by the event, born at now.
func (ev *Event) Source(now time.Time) (*comet.Source, error) {
	pos := fixture.Position{X: *ev.Position.X, Y: *ev.Position.Y, Z: *ev.Position.Z}
	return comet.New(pos, ev.RGB(), time.Duration(*ev.Lifespan), now)
}

func missing(field string) error {
	return fmt.Errorf("%w: missing required field %q", ErrDecode, field)
}

func inUnitRange(object string, fields map[string]*float64) error {
	for _, name := range []string{"h", "s", "l"} {
		if v := *fields[name]; v < 0 || v > 1 {
			return fmt.Errorf("%w: field %q: %g is outside 0..1", ErrDecode, object+"."+name, v)
		}
	}
	return nil
}

func requireAll(object string, fields map[string]*float64) error {
	// Fixed order keeps error messages stable
	for _, name := range []string{"r", "g", "b", "h", "s", "l", "x", "y", "z"} {
		v, ok := fields[name]
		if ok && v == nil {
			return missing(object + "." + name)
		}
	}
	return nil
}
