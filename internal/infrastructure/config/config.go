package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for AV Control Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Connections ConnectionsConfig `yaml:"connections"`
	Matrix      MatrixConfig      `yaml:"matrix"`
	Sequencer   SequencerConfig   `yaml:"sequencer"`
}

// SiteConfig contains venue-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The broker carries alert events and the retained system status topic.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ConnectionsConfig contains device connection lifecycle settings.
// These govern the connection manager: dialing, keep-alive health probes,
// reconnection backoff, and idle eviction.
type ConnectionsConfig struct {
	// ConnectTimeoutMS is the maximum time to wait for a single dial (milliseconds).
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`

	// MaxConnectAttempts is how many dials a single Acquire call may consume
	// before failing with an exhausted error.
	MaxConnectAttempts int `yaml:"max_connect_attempts"`

	// AuthToken, when non-empty, is sent as an AUTH preamble after each
	// successful dial. Devices that reject it are never retried.
	AuthToken string `yaml:"auth_token"`

	// HealthIntervalMS is how often each connected device is probed (milliseconds).
	HealthIntervalMS int `yaml:"health_interval_ms"`

	// HealthTimeoutMS is the per-probe timeout (milliseconds).
	HealthTimeoutMS int `yaml:"health_timeout_ms"`

	// FailureThreshold is the number of consecutive probe failures before a
	// device is marked degraded and an alert is raised.
	FailureThreshold int `yaml:"failure_threshold"`

	// IdleTimeoutMS is how long an unused connection survives before the
	// sweeper evicts it (milliseconds).
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`

	// SweepIntervalMS is how often the idle sweeper runs (milliseconds).
	SweepIntervalMS int `yaml:"sweep_interval_ms"`

	// Reconnect configures the reconnection loop.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains device reconnection settings.
type ReconnectConfig struct {
	// Enabled turns automatic reconnection on or off.
	Enabled bool `yaml:"enabled"`

	// Strategy selects the backoff curve: "exponential", "linear", or "fixed".
	Strategy string `yaml:"strategy"`

	// InitialDelayMS is the base delay before the first retry (milliseconds).
	InitialDelayMS int `yaml:"initial_delay_ms"`

	// MaxDelayMS caps the computed delay (milliseconds).
	MaxDelayMS int `yaml:"max_delay_ms"`

	// MaxAttempts limits reconnection attempts before the device is marked
	// unreachable. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`
}

// MatrixConfig contains settings for the shared signal matrix switcher.
// Command templates keep the core vendor-neutral: the venue's actual
// protocol vocabulary lives in configuration, not code.
type MatrixConfig struct {
	// Address is the matrix switcher's network address (host:port).
	Address string `yaml:"address"`

	// UtilityInput is the matrix input wired to the discovery/control port.
	UtilityInput int `yaml:"utility_input"`

	// RouteTemplate is the printf-style command for routing an output to an
	// input. Receives (output, input). Example: "SETROUTE %d %d".
	RouteTemplate string `yaml:"route_template"`

	// QueryTemplate is the printf-style command for querying the current
	// input of an output. Receives (output). Example: "GETROUTE %d".
	QueryTemplate string `yaml:"query_template"`

	// ProbeTemplate is the command sent to a device reachable through the
	// utility path to request its identity.
	ProbeTemplate string `yaml:"probe_template"`
}

// SequencerConfig contains bus operation timing settings.
// All settle delays are minimum bounds, not targets.
type SequencerConfig struct {
	// RouteTimeoutMS bounds each routing command (milliseconds).
	RouteTimeoutMS int `yaml:"route_timeout_ms"`

	// ProbeTimeoutMS bounds the probe/command step (milliseconds).
	ProbeTimeoutMS int `yaml:"probe_timeout_ms"`

	// RouteSettleMS is the delay after routing to the utility input,
	// allowing HDMI/CEC-class handshakes to complete (milliseconds).
	RouteSettleMS int `yaml:"route_settle_ms"`

	// ProbeSettleMS is the delay after the probe before restoring (milliseconds).
	ProbeSettleMS int `yaml:"probe_settle_ms"`

	// RestoreSettleMS is the delay after restoring the original route,
	// before the bus lock is released (milliseconds).
	RestoreSettleMS int `yaml:"restore_settle_ms"`

	// CooldownMS is the mandatory gap between consecutive bus operations
	// (milliseconds).
	CooldownMS int `yaml:"cooldown_ms"`

	// UtilityOverrides maps an operation kind to a utility input that
	// replaces the matrix default for that kind.
	UtilityOverrides map[string]int `yaml:"utility_overrides"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AVCORE_SECTION_KEY
// For example: AVCORE_DATABASE_PATH, AVCORE_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "venue-001",
			Name:     "AV Control",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/avcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "avcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Connections: ConnectionsConfig{
			ConnectTimeoutMS:   5000,
			MaxConnectAttempts: 3,
			HealthIntervalMS:   30000,
			HealthTimeoutMS:    3000,
			FailureThreshold:   3,
			IdleTimeoutMS:      300000,
			SweepIntervalMS:    60000,
			Reconnect: ReconnectConfig{
				Enabled:        true,
				Strategy:       "exponential",
				InitialDelayMS: 1000,
				MaxDelayMS:     30000,
				MaxAttempts:    10,
			},
		},
		Matrix: MatrixConfig{
			UtilityInput:  20,
			RouteTemplate: "SETROUTE %d %d",
			QueryTemplate: "GETROUTE %d",
			ProbeTemplate: "IDENTIFY",
		},
		Sequencer: SequencerConfig{
			RouteTimeoutMS:  5000,
			ProbeTimeoutMS:  10000,
			RouteSettleMS:   4000,
			ProbeSettleMS:   1000,
			RestoreSettleMS: 2000,
			CooldownMS:      3000,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AVCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("AVCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("AVCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AVCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AVCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("AVCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("AVCORE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("AVCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Matrix
	if v := os.Getenv("AVCORE_MATRIX_ADDRESS"); v != "" {
		cfg.Matrix.Address = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Matrix.Address == "" {
		errs = append(errs, "matrix.address is required (set AVCORE_MATRIX_ADDRESS or matrix.address)")
	}
	if c.Matrix.UtilityInput < 1 {
		errs = append(errs, "matrix.utility_input must be a positive input number")
	}

	switch c.Connections.Reconnect.Strategy {
	case "exponential", "linear", "fixed":
	default:
		errs = append(errs, "connections.reconnect.strategy must be exponential, linear, or fixed")
	}

	if c.Connections.FailureThreshold < 1 {
		errs = append(errs, "connections.failure_threshold must be at least 1")
	}

	if c.Connections.HealthIntervalMS < 1 {
		errs = append(errs, "connections.health_interval_ms must be positive")
	}
	if c.Connections.SweepIntervalMS < 1 {
		errs = append(errs, "connections.sweep_interval_ms must be positive")
	}

	if c.Sequencer.CooldownMS < 0 {
		errs = append(errs, "sequencer.cooldown_ms must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ConnectTimeout returns the dial timeout as a Duration.
func (c ConnectionsConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// HealthInterval returns the health probe interval as a Duration.
func (c ConnectionsConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMS) * time.Millisecond
}

// HealthTimeout returns the per-probe timeout as a Duration.
func (c ConnectionsConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMS) * time.Millisecond
}

// IdleTimeout returns the idle eviction threshold as a Duration.
func (c ConnectionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// SweepInterval returns the idle sweeper interval as a Duration.
func (c ConnectionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// InitialDelay returns the backoff base delay as a Duration.
func (r ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff delay cap as a Duration.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// RouteTimeout returns the routing command timeout as a Duration.
func (s SequencerConfig) RouteTimeout() time.Duration {
	return time.Duration(s.RouteTimeoutMS) * time.Millisecond
}

// ProbeTimeout returns the probe step timeout as a Duration.
func (s SequencerConfig) ProbeTimeout() time.Duration {
	return time.Duration(s.ProbeTimeoutMS) * time.Millisecond
}

// RouteSettle returns the post-route settle delay as a Duration.
func (s SequencerConfig) RouteSettle() time.Duration {
	return time.Duration(s.RouteSettleMS) * time.Millisecond
}

// ProbeSettle returns the post-probe settle delay as a Duration.
func (s SequencerConfig) ProbeSettle() time.Duration {
	return time.Duration(s.ProbeSettleMS) * time.Millisecond
}

// RestoreSettle returns the post-restore settle delay as a Duration.
func (s SequencerConfig) RestoreSettle() time.Duration {
	return time.Duration(s.RestoreSettleMS) * time.Millisecond
}

// Cooldown returns the inter-operation cooldown as a Duration.
func (s SequencerConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownMS) * time.Millisecond
}
