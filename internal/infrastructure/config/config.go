package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Tuya Bridge Core.
// All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Database   DatabaseConfig    `yaml:"database"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig    `yaml:"influxdb"`
	Logging    LoggingConfig     `yaml:"logging"`
	Writer     WriterConfig      `yaml:"writer"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// DatabaseConfig contains SQLite database settings. BusyTimeout is in
// seconds.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the outward
// state bridge. Disabled by default.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB connection settings for the property
// state history sink. Disabled by default.
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

// WriterConfig tunes the outbound write scheduler.
type WriterConfig struct {
	// PollInterval is the periodic writer tick in milliseconds.
	PollInterval int `yaml:"poll_interval"`

	// DebounceInterval suppresses a second write dispatch for the same
	// property within this window, in milliseconds.
	DebounceInterval int `yaml:"debounce_interval"`

	// PendingDelay is how long a timestamped pending write may stay
	// unanswered before the periodic writer re-arms it, in milliseconds.
	PendingDelay int `yaml:"pending_delay"`
}

// GetPollInterval returns the periodic writer tick as a duration.
func (w WriterConfig) GetPollInterval() time.Duration {
	return time.Duration(w.PollInterval) * time.Millisecond
}

// GetDebounceInterval returns the debounce window as a duration.
func (w WriterConfig) GetDebounceInterval() time.Duration {
	return time.Duration(w.DebounceInterval) * time.Millisecond
}

// GetPendingDelay returns the stale-pending threshold as a duration.
func (w WriterConfig) GetPendingDelay() time.Duration {
	return time.Duration(w.PendingDelay) * time.Millisecond
}

// ConnectorConfig describes one Tuya connector instance.
type ConnectorConfig struct {
	// ID uniquely identifies the connector; device entities reference it.
	ID string `yaml:"id"`

	// Mode selects the API client: "local" or "cloud".
	Mode string `yaml:"mode"`

	// Cloud credentials.
	AccessID     string `yaml:"access_id"`
	AccessSecret string `yaml:"access_secret"`
	UID          string `yaml:"uid"`

	// OpenAPIEndpoint is a regional REST base URL or a region name
	// (europe, america, china, india). Default "europe".
	OpenAPIEndpoint string `yaml:"openapi_endpoint"`

	// OpenPulsarEndpoint and OpenPulsarTopic select the push channel.
	// Derived from the OpenAPI region when unset.
	OpenPulsarEndpoint string `yaml:"openpulsar_endpoint"`
	OpenPulsarTopic    string `yaml:"openpulsar_topic"`

	// StateReadingDelay is the interval between periodic device state
	// reads in seconds. HeartbeatDelay paces local heartbeats.
	StateReadingDelay int `yaml:"state_reading_delay"`
	HeartbeatDelay    int `yaml:"heartbeat_delay"`
}

// Connector modes.
const (
	ModeLocal = "local"
	ModeCloud = "cloud"
)

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TUYABRIDGE_SECTION_KEY
// For example: TUYABRIDGE_DATABASE_PATH, TUYABRIDGE_LOGGING_LEVEL
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
	applyConnectorDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "data/tuyabridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "tuyabridge",
			QoS:      1,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "tuyabridge",
			BatchSize:     100,
			FlushInterval: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Writer: WriterConfig{
			PollInterval:     10,
			DebounceInterval: 2500,
			PendingDelay:     2000,
		},
	}
}

// applyConnectorDefaults fills per-connector fields that have defaults.
func applyConnectorDefaults(cfg *Config) {
	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		if c.Mode == "" {
			c.Mode = ModeCloud
		}
		if c.OpenAPIEndpoint == "" {
			c.OpenAPIEndpoint = "europe"
		}
		if c.StateReadingDelay == 0 {
			c.StateReadingDelay = 5
		}
		if c.HeartbeatDelay == 0 {
			c.HeartbeatDelay = 10
		}
	}
}

// applyEnvOverrides applies TUYABRIDGE_* environment variables on top of
// file values. Only scalar settings are overridable; connectors are
// file-only.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUYABRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TUYABRIDGE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TUYABRIDGE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TUYABRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("TUYABRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Port = port
		}
	}
	if v := os.Getenv("TUYABRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("TUYABRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("TUYABRIDGE_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("TUYABRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognised", c.Logging.Level)
	}

	if c.Writer.PollInterval <= 0 {
		return fmt.Errorf("writer.poll_interval must be positive")
	}
	if c.Writer.DebounceInterval <= 0 {
		return fmt.Errorf("writer.debounce_interval must be positive")
	}
	if c.Writer.PendingDelay <= 0 {
		return fmt.Errorf("writer.pending_delay must be positive")
	}

	seen := make(map[string]bool, len(c.Connectors))
	for i := range c.Connectors {
		conn := &c.Connectors[i]
		if conn.ID == "" {
			return fmt.Errorf("connectors[%d].id is required", i)
		}
		if seen[conn.ID] {
			return fmt.Errorf("connectors[%d].id %q duplicates another connector", i, conn.ID)
		}
		seen[conn.ID] = true

		switch conn.Mode {
		case ModeLocal, ModeCloud:
		default:
			return fmt.Errorf("connector %q mode %q is not recognised", conn.ID, conn.Mode)
		}

		if conn.Mode == ModeCloud {
			if conn.AccessID == "" || conn.AccessSecret == "" {
				return fmt.Errorf("connector %q requires access_id and access_secret in cloud mode", conn.ID)
			}
		}
	}

	return nil
}
