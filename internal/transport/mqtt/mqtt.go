// Package mqtt drives fixtures that live on an MQTT broker.
//
// Each fixture owns three topics under the configured prefix:
//
//	<prefix>/<address>/announce  retained {"name": "Light07"}
//	<prefix>/<address>/status    retained "online" or "offline" (usually the device's LWT)
//	<prefix>/<address>/set       {"r": 255, "g": 0, "b": 0}
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/fixture"
)

// Topic suffixes
const (
	topicAnnounce = "announce"
	topicStatus   = "status"
	topicSet      = "set"

	statusOnline = "online"
)

const (
	defaultTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 30 * time.Second
)

// ErrNotConnected is returned while the broker session is down.
var ErrNotConnected = errors.New("mqtt broker not connected")

type device struct {
	name   string
	online bool
}

// Transport tracks fixtures from their retained announcements and writes
// colors to their set topics.
type Transport struct {
	cfg    config.MQTTConfig
	client pahomqtt.Client

	mu      sync.RWMutex
	devices map[string]*device
}

// New creates an MQTT transport. Call Start to connect to the broker.
func New(cfg config.MQTTConfig) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.Duration(defaultTimeout)
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &Transport{
		cfg:     cfg,
		devices: make(map[string]*device),
	}
}

// Start connects to the broker and subscribes to fixture announcements.
// Subscriptions are restored by the connect handler after every reconnect.
func (t *Transport) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(t.cfg.Timeout.Duration())
	opts.SetKeepAlive(keepAlive)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", t.cfg.Broker).Msg("Connected to MQTT broker")
		t.subscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", t.cfg.Broker).Msg("MQTT connection lost")
	})

	t.client = pahomqtt.NewClient(opts)
	if err := wait(ctx, t.client.Connect(), t.cfg.Timeout.Duration()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", t.cfg.Broker, err)
	}
	return nil
}

// Close disconnects from the broker.
func (t *Transport) Close() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(disconnectQuiesce)
	}
}

func (t *Transport) subscribe(c pahomqtt.Client) {
	filters := map[string]byte{
		t.cfg.TopicPrefix + "/+/" + topicAnnounce: t.cfg.QoS,
		t.cfg.TopicPrefix + "/+/" + topicStatus:   t.cfg.QoS,
	}
	token := c.SubscribeMultiple(filters, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.handle(msg.Topic(), msg.Payload())
	})
	// Callback runs on paho's goroutine; errors are only logged
	go func() {
		if !token.WaitTimeout(t.cfg.Timeout.Duration()) {
			log.Error().Msg("Timed out subscribing to fixture topics")
			return
		}
		if err := token.Error(); err != nil {
			log.Error().Err(err).Msg("Failed to subscribe to fixture topics")
		}
	}()
}

// handle updates the device table from an announce or status message.
func (t *Transport) handle(topic string, payload []byte) {
	address, kind, ok := parseTopic(t.cfg.TopicPrefix, topic)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch kind {
	case topicAnnounce:
		if len(payload) == 0 {
			// Cleared retained announcement
			delete(t.devices, address)
			return
		}
		var msg struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Name == "" {
			log.Warn().Str("topic", topic).Msg("Ignoring malformed fixture announcement")
			return
		}
		t.device(address).name = msg.Name
	case topicStatus:
		t.device(address).online = strings.TrimSpace(string(payload)) == statusOnline
	}
}

func (t *Transport) device(address string) *device {
	d, ok := t.devices[address]
	if !ok {
		d = &device{}
		t.devices[address] = d
	}
	return d
}

// Discover returns every announced fixture, online or not.
func (t *Transport) Discover(ctx context.Context) ([]fixture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.client == nil || !t.client.IsConnected() {
		return nil, ErrNotConnected
	}

	t.mu.RLock()
	devices := make([]fixture.Device, 0, len(t.devices))
	for address, d := range t.devices {
		if d.name != "" {
			devices = append(devices, fixture.Device{Address: address, Name: d.name})
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(devices, func(a, b fixture.Device) int { return strings.Compare(a.Address, b.Address) })
	return devices, nil
}

// Connect succeeds when the fixture's last status was online.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.client == nil || !t.client.IsConnected() {
		return ErrNotConnected
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[address]
	switch {
	case !ok:
		return fmt.Errorf("unknown fixture %s", address)
	case !d.online:
		return fmt.Errorf("fixture %s is offline", address)
	}
	return nil
}

// Apply publishes the color to the fixture's set topic.
func (t *Transport) Apply(ctx context.Context, address string, c fixture.Color) error {
	if t.client == nil || !t.client.IsConnected() {
		return ErrNotConnected
	}

	t.mu.RLock()
	d, ok := t.devices[address]
	online := ok && d.online
	t.mu.RUnlock()
	if !online {
		return fmt.Errorf("fixture %s is offline", address)
	}

	payload, err := json.Marshal(colorPayload{R: c.R, G: c.G, B: c.B})
	if err != nil {
		return err
	}
	token := t.client.Publish(t.topic(address, topicSet), t.cfg.QoS, false, payload)
	return wait(ctx, token, t.cfg.Timeout.Duration())
}

type colorPayload struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (t *Transport) topic(address, kind string) string {
	return t.cfg.TopicPrefix + "/" + address + "/" + kind
}

// parseTopic splits "<prefix>/<address>/<kind>".
func parseTopic(prefix, topic string) (address, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	address, kind, found = strings.Cut(rest, "/")
	if !found || address == "" || strings.Contains(kind, "/") {
		return "", "", false
	}
	switch kind {
	case topicAnnounce, topicStatus, topicSet:
		return address, kind, true
	}
	return "", "", false
}

// wait blocks until the token completes, the context ends or timeout passes.
func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	}
}
