// Package hue drives fixtures through a Philips Hue bridge.
package hue

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amimof/huego"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/fixture"
)

// Transport maps Hue lights to fixtures. A light's address is its bridge ID.
//
// The bridge-wide write budget is split evenly across known lights so every
// light keeps updating regardless of the order the engine walks them in.
type Transport struct {
	bridge  *huego.Bridge
	timeout time.Duration
	rps     float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Hue transport for the configured bridge.
func New(cfg config.HueConfig) *Transport {
	host := cfg.Bridge
	// huego rewrites a scheme-less host on every request
	if !strings.HasPrefix(strings.ToLower(host), "http://") && !strings.HasPrefix(strings.ToLower(host), "https://") {
		host = "http://" + host
	}

	return &Transport{
		bridge:   huego.New(host, cfg.Token),
		timeout:  cfg.Timeout.Duration(),
		rps:      cfg.RateLimitRPS,
		limiters: make(map[string]*rate.Limiter),
	}
}

// withTimeout bounds a single bridge request. huego always uses
// http.DefaultClient, so the deadline travels on the context.
func (t *Transport) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

// Discover lists every light known to the bridge.
func (t *Transport) Discover(ctx context.Context) ([]fixture.Device, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	lights, err := t.bridge.GetLightsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list lights: %w", err)
	}

	devices := make([]fixture.Device, 0, len(lights))
	addresses := make([]string, 0, len(lights))
	for _, l := range lights {
		address := strconv.Itoa(l.ID)
		devices = append(devices, fixture.Device{Address: address, Name: l.Name})
		addresses = append(addresses, address)
	}
	t.track(addresses...)
	return devices, nil
}

// Connect succeeds when the bridge reports the light as reachable.
func (t *Transport) Connect(ctx context.Context, address string) error {
	id, err := strconv.Atoi(address)
	if err != nil {
		return fmt.Errorf("invalid light id %q: %w", address, err)
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	light, err := t.bridge.GetLightContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get light %d: %w", id, err)
	}
	if light.State == nil || !light.State.Reachable {
		return fmt.Errorf("light %d is not reachable", id)
	}
	return nil
}

// Apply sends the color to the light. Frames above the light's share of the
// bridge rate limit are dropped; the next tick carries the current color anyway.
func (t *Transport) Apply(ctx context.Context, address string, c fixture.Color) error {
	id, err := strconv.Atoi(address)
	if err != nil {
		return fmt.Errorf("invalid light id %q: %w", address, err)
	}

	if !t.allow(address) {
		log.Trace().Int("light", id).Msg("Dropping Hue frame, rate limit exceeded")
		return nil
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	if _, err := t.bridge.SetLightStateContext(ctx, id, lightState(c)); err != nil {
		return fmt.Errorf("failed to set light %d: %w", id, err)
	}
	return nil
}

// track registers limiters for new addresses and rebalances the budget.
func (t *Transport) track(addresses ...string) {
	if t.rps <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackLocked(addresses...)
}

func (t *Transport) trackLocked(addresses ...string) {
	added := false
	for _, address := range addresses {
		if _, ok := t.limiters[address]; !ok {
			t.limiters[address] = rate.NewLimiter(0, 1)
			added = true
		}
	}
	if !added {
		return
	}

	share := rate.Limit(t.rps / float64(len(t.limiters)))
	for _, l := range t.limiters {
		l.SetLimit(share)
	}
}

func (t *Transport) allow(address string) bool {
	if t.rps <= 0 {
		return true
	}

	t.mu.Lock()
	t.trackLocked(address)
	l := t.limiters[address]
	t.mu.Unlock()

	return l.Allow()
}

// lightState converts an RGB color to the bridge's xy + brightness model.
// Black turns the light off.
func lightState(c fixture.Color) huego.State {
	if c == (fixture.Color{}) {
		return huego.State{On: false}
	}

	x, y, bri := xyBrightness(c)
	return huego.State{
		On:  true,
		Bri: bri,
		Xy:  []float32{float32(x), float32(y)},
	}
}

// xyBrightness returns the CIE xy chromaticity of c and a Hue brightness in 1..254
// taken from the strongest channel.
func xyBrightness(c fixture.Color) (x, y float64, bri uint8) {
	col := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	x, y, _ = col.Xyy()

	peak := max(c.R, c.G, c.B)
	bri = uint8(math.Max(1, math.Round(float64(peak)/255*254)))
	return x, y, bri
}
