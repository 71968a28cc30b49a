package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportSim  = "sim"
	TransportHue  = "hue"
	TransportMQTT = "mqtt"
)

// Falloff modes
const (
	FalloffFlat = "flat"
	FalloffFade = "fade"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Transport       TransportConfig   `yaml:"transport"`
	Fixtures        FixturesConfig    `yaml:"fixtures"`
	Compositor      CompositorConfig  `yaml:"compositor"`
	Discovery       DiscoveryConfig   `yaml:"discovery"`
	Ingress         IngressConfig     `yaml:"ingress"`
	Database        DatabaseConfig    `yaml:"database"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	Metrics         MetricsConfig     `yaml:"metrics"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// TransportConfig selects and configures the fixture transport
type TransportConfig struct {
	Kind            string     `yaml:"kind"`             // sim, hue or mqtt
	ConnectTimeout  Duration   `yaml:"connect_timeout"`  // Upper bound for a single connect attempt
	ApplyTimeout    Duration   `yaml:"apply_timeout"`    // Upper bound for a single color write
	DiscoverTimeout Duration   `yaml:"discover_timeout"` // Upper bound for listing devices
	Hue             HueConfig  `yaml:"hue"`
	MQTT            MQTTConfig `yaml:"mqtt"`
	Sim             SimConfig  `yaml:"sim"`
}

// HueConfig contains Hue bridge connection settings
type HueConfig struct {
	Bridge       string   `yaml:"bridge"`
	Token        string   `yaml:"token"`
	Timeout      Duration `yaml:"timeout"`        // HTTP timeout for Hue API requests
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Max color writes per second, split evenly across lights
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker      string   `yaml:"broker"`
	ClientID    string   `yaml:"client_id"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         byte     `yaml:"qos"`
	Timeout     Duration `yaml:"timeout"` // Connect/publish token wait
}

// SimConfig describes simulated fixtures
type SimConfig struct {
	Devices []SimDevice `yaml:"devices"`
}

// SimDevice is one simulated fixture
type SimDevice struct {
	Address     string `yaml:"address"`
	Name        string `yaml:"name"`
	Unreachable bool   `yaml:"unreachable"`
}

// FixturesConfig contains fixture naming and layout
type FixturesConfig struct {
	NamePrefix string                 `yaml:"name_prefix"`
	Positions  map[int]PositionConfig `yaml:"positions"`
}

// PositionConfig is a point in the fixture coordinate space
type PositionConfig struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// CompositorConfig contains frame loop settings
type CompositorConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
	Falloff      string   `yaml:"falloff"` // flat (default) or fade
}

// DiscoveryConfig contains fixture discovery settings
type DiscoveryConfig struct {
	Interval        Duration `yaml:"interval"`
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Startup backoff between empty passes (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Cap for startup backoff (default: 30s)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxAttempts     int      `yaml:"max_attempts"`      // Startup passes before giving up, 0 = infinite
	ConnectRateRPS  float64  `yaml:"connect_rate_rps"`  // Pacing for connect attempts
}

// IngressConfig contains comet event server settings
type IngressConfig struct {
	Host               string  `yaml:"host"`
	Port               int     `yaml:"port"`
	Path               string  `yaml:"path"`
	MaxEventsPerSecond float64 `yaml:"max_events_per_second"`
	MaxMessageBytes    int64   `yaml:"max_message_bytes"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// MetricsConfig contains InfluxDB export settings
type MetricsConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	BatchSize     uint     `yaml:"batch_size"`     // Points per write (default: 100)
	FlushInterval Duration `yaml:"flush_interval"` // Max delay before a partial batch is sent (default: 10s)
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Transport defaults
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportSim
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = Duration(5 * time.Second)
	}
	if cfg.Transport.ApplyTimeout == 0 {
		cfg.Transport.ApplyTimeout = Duration(250 * time.Millisecond)
	}
	if cfg.Transport.DiscoverTimeout == 0 {
		cfg.Transport.DiscoverTimeout = Duration(10 * time.Second)
	}
	if cfg.Transport.Hue.Timeout == 0 {
		cfg.Transport.Hue.Timeout = Duration(10 * time.Second)
	}
	if cfg.Transport.Hue.RateLimitRPS == 0 {
		cfg.Transport.Hue.RateLimitRPS = 10.0 // bridge guidance: ~10 light commands per second
	}
	if cfg.Transport.MQTT.ClientID == "" {
		cfg.Transport.MQTT.ClientID = "cometd"
	}
	if cfg.Transport.MQTT.TopicPrefix == "" {
		cfg.Transport.MQTT.TopicPrefix = "cometd/fixtures"
	}
	if cfg.Transport.MQTT.Timeout == 0 {
		cfg.Transport.MQTT.Timeout = Duration(10 * time.Second)
	}

	// Fixture defaults
	if cfg.Fixtures.NamePrefix == "" {
		cfg.Fixtures.NamePrefix = "Light"
	}

	// Compositor defaults - 5ms frames (200 fps)
	if cfg.Compositor.TickInterval == 0 {
		cfg.Compositor.TickInterval = Duration(5 * time.Millisecond)
	}
	if cfg.Compositor.Falloff == "" {
		cfg.Compositor.Falloff = FalloffFlat
	}

	// Discovery defaults
	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = Duration(30 * time.Second)
	}
	if cfg.Discovery.MinRetryBackoff == 0 {
		cfg.Discovery.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Discovery.MaxRetryBackoff == 0 {
		cfg.Discovery.MaxRetryBackoff = Duration(30 * time.Second)
	}
	if cfg.Discovery.RetryMultiplier == 0 {
		cfg.Discovery.RetryMultiplier = 2.0
	}
	if cfg.Discovery.ConnectRateRPS == 0 {
		cfg.Discovery.ConnectRateRPS = 5.0
	}
	// MaxAttempts defaults to 0 (infinite), no need to set

	// Ingress defaults
	if cfg.Ingress.Host == "" {
		cfg.Ingress.Host = "0.0.0.0"
	}
	if cfg.Ingress.Port == 0 {
		cfg.Ingress.Port = 7445
	}
	if cfg.Ingress.Path == "" {
		cfg.Ingress.Path = "/"
	}
	if cfg.Ingress.MaxEventsPerSecond == 0 {
		cfg.Ingress.MaxEventsPerSecond = 200
	}
	if cfg.Ingress.MaxMessageBytes == 0 {
		cfg.Ingress.MaxMessageBytes = 4096
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./cometd.sqlite"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 7
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// Metrics defaults
	if cfg.Metrics.BatchSize == 0 {
		cfg.Metrics.BatchSize = 100
	}
	if cfg.Metrics.FlushInterval == 0 {
		cfg.Metrics.FlushInterval = Duration(10 * time.Second)
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportSim:
	case TransportHue:
		if c.Transport.Hue.Bridge == "" {
			return fmt.Errorf("transport.hue.bridge is required for the hue transport")
		}
	case TransportMQTT:
		if c.Transport.MQTT.Broker == "" {
			return fmt.Errorf("transport.mqtt.broker is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	switch c.Compositor.Falloff {
	case FalloffFlat, FalloffFade:
	default:
		return fmt.Errorf("unknown compositor falloff %q", c.Compositor.Falloff)
	}

	// The path becomes an http.ServeMux pattern
	if !strings.HasPrefix(c.Ingress.Path, "/") || strings.ContainsAny(c.Ingress.Path, " \t") {
		return fmt.Errorf("ingress.path %q must start with / and contain no whitespace", c.Ingress.Path)
	}

	if c.Metrics.Enabled && (c.Metrics.URL == "" || c.Metrics.Bucket == "") {
		return fmt.Errorf("metrics.url and metrics.bucket are required when metrics are enabled")
	}

	for id := range c.Fixtures.Positions {
		if id < 1 || id > 99 {
			return fmt.Errorf("fixtures.positions: fixture id %d out of range 1..99", id)
		}
	}
	return nil
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 2
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// RetentionDuration returns how long ledger entries are kept
func (c *LedgerConfig) RetentionDuration() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Addr returns the listen address of the health server
func (c *HealthcheckConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the listen address of the ingress server
func (c *IngressConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
