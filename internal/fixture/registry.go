package fixture

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/cometd/internal/eventbus"
)

// Options configures a Registry.
type Options struct {
	NamePrefix      string          // Advertised name prefix, e.g. "Light"
	Positions       map[ID]Position // Fixture layout; unknown IDs sit at the origin
	ConnectTimeout  time.Duration   // Upper bound for one connect attempt
	DiscoverTimeout time.Duration   // Upper bound for one transport listing
	ConnectRateRPS  float64         // Pacing for connect attempts
	Bus             *eventbus.Bus   // Optional observer of connectivity changes
}

// Registry maps fixture IDs to handles and keeps them connected.
// Fixtures are never evicted: one that drops out of range is retried on every pass.
type Registry struct {
	transport       Transport
	prefix          string
	positions       map[ID]Position
	connectTimeout  time.Duration
	discoverTimeout time.Duration
	limiter         *rate.Limiter
	bus             *eventbus.Bus

	// discoverMu serializes discovery passes
	discoverMu sync.Mutex

	mu      sync.RWMutex
	handles map[ID]*Handle
}

// NewRegistry creates an empty registry over the given transport.
func NewRegistry(transport Transport, opts Options) *Registry {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "Light"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.DiscoverTimeout <= 0 {
		opts.DiscoverTimeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if opts.ConnectRateRPS > 0 {
		limit = rate.Limit(opts.ConnectRateRPS)
		burst = max(1, int(opts.ConnectRateRPS))
	}

	positions := make(map[ID]Position, len(opts.Positions))
	for id, pos := range opts.Positions {
		positions[id] = pos
	}

	return &Registry{
		transport:       transport,
		prefix:          opts.NamePrefix,
		positions:       positions,
		connectTimeout:  opts.ConnectTimeout,
		discoverTimeout: opts.DiscoverTimeout,
		limiter:         rate.NewLimiter(limit, burst),
		bus:             opts.Bus,
		handles:         make(map[ID]*Handle),
	}
}

// Discover runs one discovery pass and returns the number of connected fixtures.
//
// New fixtures are inserted whether or not the first connect succeeds;
// known fixtures that are disconnected get one reconnect attempt.
// Per-fixture failures are logged, never returned: zero connected is a
// normal, retryable outcome.
func (r *Registry) Discover(ctx context.Context) int {
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()

	log.Debug().Msg("Discovering fixtures")

	listCtx, cancel := context.WithTimeout(ctx, r.discoverTimeout)
	devices, err := r.transport.Discover(listCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("Fixture discovery failed")
		return r.ConnectedCount()
	}

	seen := make(map[ID]struct{}, len(devices))
	for _, device := range devices {
		if ctx.Err() != nil {
			break
		}

		id, ok := ParseID(r.prefix, device.Name)
		if !ok {
			log.Trace().Str("name", device.Name).Str("address", device.Address).Msg("Ignoring non-fixture device")
			continue
		}
		if _, dup := seen[id]; dup {
			log.Warn().Int("fixture", int(id)).Str("address", device.Address).Msg("Duplicate fixture name, ignoring")
			continue
		}
		seen[id] = struct{}{}

		if h, exists := r.Get(id); exists {
			if h.address != device.Address {
				log.Warn().
					Int("fixture", int(id)).
					Str("address", h.address).
					Str("advertised", device.Address).
					Msg("Fixture advertised under a new address, keeping the original")
			}
			if !h.Connected() {
				log.Info().Int("fixture", int(id)).Str("address", h.address).Msg("Attempting to reconnect fixture")
				r.connect(ctx, h)
			}
			continue
		}

		h := newHandle(id, device.Address, r.positions[id], r.transport)
		h.onLost = r.handleLost

		r.mu.Lock()
		r.handles[id] = h
		r.mu.Unlock()

		log.Info().Int("fixture", int(id)).Str("address", device.Address).Msg("Found fixture")
		r.publish(eventbus.EventTypeFixtureFound, h, nil)

		r.connect(ctx, h)
	}

	count := r.ConnectedCount()
	if count == 0 {
		log.Warn().Int("known", r.Len()).Msg("No fixtures are connected")
	}

	r.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeDiscoveryPass,
		Data: map[string]any{
			"devices":   len(devices),
			"known":     r.Len(),
			"connected": count,
		},
	})

	return count
}

// connect makes one bounded attempt to bring h online.
func (r *Registry) connect(ctx context.Context, h *Handle) {
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	if err := r.transport.Connect(connectCtx, h.address); err != nil {
		h.setState(StateDisconnected)
		log.Warn().
			Err(err).
			Int("fixture", int(h.id)).
			Str("address", h.address).
			Msg("Failed to connect fixture")
		return
	}

	if h.setState(StateConnected) {
		log.Info().Int("fixture", int(h.id)).Str("address", h.address).Msg("Fixture connected")
		r.publish(eventbus.EventTypeFixtureConnected, h, nil)
	}
}

// handleLost is the feedback edge from a failed apply.
func (r *Registry) handleLost(h *Handle, err error) {
	log.Warn().
		Err(err).
		Int("fixture", int(h.id)).
		Str("address", h.address).
		Msg("Fixture connection lost, will retry on next discovery")
	r.publish(eventbus.EventTypeFixtureLost, h, err)
}

func (r *Registry) publish(eventType eventbus.EventType, h *Handle, err error) {
	data := map[string]any{
		"fixture": int(h.id),
		"address": h.address,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}

// Get returns the handle for id.
func (r *Registry) Get(id ID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Snapshot returns all handles ordered by ID.
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	slices.SortFunc(handles, func(a, b *Handle) int {
		return int(a.id) - int(b.id)
	})
	return handles
}

// Len returns the number of known fixtures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// ConnectedCount returns the number of fixtures currently connected.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, h := range r.handles {
		if h.Connected() {
			count++
		}
	}
	return count
}
