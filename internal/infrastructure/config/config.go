package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the deposition daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bench      BenchConfig     `yaml:"bench"`
	Relay      RelayConfig     `yaml:"relay"`
	Interlocks InterlockConfig `yaml:"interlocks"`
	Sequencer  SequencerConfig `yaml:"sequencer"`
	Recipes    RecipesConfig   `yaml:"recipes"`
	Database   DatabaseConfig  `yaml:"database"`
	MQTT       MQTTConfig      `yaml:"mqtt"`
	API        APIConfig       `yaml:"api"`
	WebSocket  WebSocketConfig `yaml:"websocket"`
	InfluxDB   InfluxDBConfig  `yaml:"influxdb"`
	Logging    LoggingConfig   `yaml:"logging"`
	Security   SecurityConfig  `yaml:"security"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

// BenchConfig identifies the deposition bench this daemon controls.
type BenchConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// RelayConfig selects and configures the relay board driver.
type RelayConfig struct {
	// Driver is "sim" or "serial".
	Driver string `yaml:"driver"`
	Port   string `yaml:"port"`
	Baud   int    `yaml:"baud"`

	// IOTimeout bounds every single relay call, in milliseconds.
	IOTimeout int `yaml:"io_timeout"`

	// ReadTimeout is the serial read timeout, in milliseconds.
	ReadTimeout int `yaml:"read_timeout"`

	// Count is the number of board channels used when Channels is empty.
	Count    int             `yaml:"count"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one relay output.
type ChannelConfig struct {
	ID       int    `yaml:"id"`
	Label    string `yaml:"label"`
	Default  bool   `yaml:"default"`
	Inverted bool   `yaml:"inverted"`
}

// InterlockConfig holds the safety rules, inline or in a separate file.
type InterlockConfig struct {
	File  string       `yaml:"file"`
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is one interlock rule. Channels are labels or channel numbers.
type RuleConfig struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Channels []string `yaml:"channels"`
}

// SequencerConfig contains run scheduling settings.
type SequencerConfig struct {
	// TickInterval is the clock period driving the sequencer, in milliseconds.
	TickInterval int `yaml:"tick_interval"`
}

// RecipesConfig locates operator recipe files.
type RecipesConfig struct {
	Dir string `yaml:"dir"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains operator token settings. An empty secret leaves the
// API unauthenticated, which is only appropriate on an isolated bench LAN.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEPOSITION_SECTION_KEY
// For example: DEPOSITION_RELAY_PORT, DEPOSITION_API_PORT
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

// Default returns the built-in configuration: a simulated four-channel
// board with everything optional switched off.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bench: BenchConfig{
			ID:   "bench-01",
			Name: "ALD/CVD bench",
		},
		Relay: RelayConfig{
			Driver:      "sim",
			Baud:        9600,
			IOTimeout:   500,
			ReadTimeout: 200,
			Count:       4,
		},
		Sequencer: SequencerConfig{
			TickInterval: 100,
		},
		Recipes: RecipesConfig{
			Dir: "./recipes",
		},
		Database: DatabaseConfig{
			Path:        "./data/deposition.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "deposition-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
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
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "deposition",
			BatchSize:     100,
			FlushInterval: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 720,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEPOSITION_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Relay
	if v := os.Getenv("DEPOSITION_RELAY_DRIVER"); v != "" {
		cfg.Relay.Driver = v
	}
	if v := os.Getenv("DEPOSITION_RELAY_PORT"); v != "" {
		cfg.Relay.Port = v
	}

	// Database
	if v := os.Getenv("DEPOSITION_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Recipes
	if v := os.Getenv("DEPOSITION_RECIPES_DIR"); v != "" {
		cfg.Recipes.Dir = v
	}

	// MQTT
	if v := os.Getenv("DEPOSITION_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEPOSITION_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEPOSITION_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("DEPOSITION_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DEPOSITION_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("DEPOSITION_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("DEPOSITION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security
	if v := os.Getenv("DEPOSITION_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Bench.ID == "" {
		errs = append(errs, "bench.id is required")
	}

	errs = append(errs, c.Relay.validate()...)

	if c.Sequencer.TickInterval < 1 || c.Sequencer.TickInterval > 1000 {
		errs = append(errs, "sequencer.tick_interval must be between 1 and 1000 ms")
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

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	// An operator token grants control of gas valves; a short secret makes
	// it forgeable.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (r RelayConfig) validate() []string {
	var errs []string

	switch r.Driver {
	case "sim":
	case "serial":
		if r.Port == "" {
			errs = append(errs, "relay.port is required for the serial driver")
		}
		if r.Baud <= 0 {
			errs = append(errs, "relay.baud must be positive")
		}
		// A status query drains the board's reply until the read times out.
		if r.ReadTimeout >= r.IOTimeout {
			errs = append(errs, "relay.read_timeout must be below relay.io_timeout for the serial driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.driver %q is not supported (use sim or serial)", r.Driver))
	}

	if r.IOTimeout < 1 {
		errs = append(errs, "relay.io_timeout must be at least 1 ms")
	}

	if len(r.Channels) == 0 && r.Count < 1 {
		errs = append(errs, "relay.count must be positive when relay.channels is empty")
	}

	seen := make(map[int]bool, len(r.Channels))
	for i, ch := range r.Channels {
		if ch.ID < 1 {
			errs = append(errs, fmt.Sprintf("relay.channels[%d].id must be positive", i))
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("relay.channels[%d].id %d is duplicated", i, ch.ID))
		}
		seen[ch.ID] = true
	}
	return errs
}

// IOTimeout returns the per-call relay timeout as a Duration.
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.Relay.IOTimeout) * time.Millisecond
}

// SerialReadTimeout returns the serial read timeout as a Duration.
func (c *Config) SerialReadTimeout() time.Duration {
	return time.Duration(c.Relay.ReadTimeout) * time.Millisecond
}

// TickInterval returns the sequencer clock period as a Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Sequencer.TickInterval) * time.Millisecond
}

// TokenTTL returns the operator token lifetime as a Duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
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
