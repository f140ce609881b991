package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Client     ClientConfig     `yaml:"client"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	StartDelay StartDelayConfig `yaml:"start_delay"`
	Registry   RegistryConfig   `yaml:"registry"`
	Tracing    TracingConfig    `yaml:"tracing"`
	LogLevel   string           `yaml:"log_level"`
}

// BrokerConfig locates the MQTT message broker.
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ClientConfig holds MQTT client session settings.
type ClientConfig struct {
	ID           string        `yaml:"id"`
	CleanSession bool          `yaml:"clean_session"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
}

// DiscoveryConfig holds BLE scan and command timing.
type DiscoveryConfig struct {
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	ScanPeriod       time.Duration `yaml:"scan_period"`
	CommandRetries   int           `yaml:"command_retries"`
	CommandRetryWait time.Duration `yaml:"command_retry_wait"`
	DeviceIDPrefix   string        `yaml:"device_id_prefix"`
	Adapter          string        `yaml:"adapter"` // HCI adapter id, e.g. "hci0"
}

// StartDelayConfig delays startup by a random duration in [Min, Max].
type StartDelayConfig struct {
	Enabled bool          `yaml:"enabled"`
	Min     time.Duration `yaml:"min"`
	Max     time.Duration `yaml:"max"`
}

// RegistryConfig names the device type and services announced to the
// device registry.
type RegistryConfig struct {
	DeviceType         string `yaml:"device_type"`
	ServiceStatus      string `yaml:"service_status"`
	ServiceSetPosition string `yaml:"service_set_position"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "switchbot-dc")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host: "message-broker",
			Port: 1883,
		},
		Client: ClientConfig{
			ID:           "switchbotcloud-dc",
			CleanSession: false,
			KeepAlive:    10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			ScanTimeout:      5 * time.Second,
			ConnectTimeout:   2 * time.Second,
			CommandTimeout:   3 * time.Second,
			ScanPeriod:       30 * time.Minute,
			CommandRetries:   2,
			CommandRetryWait: 3 * time.Second,
			DeviceIDPrefix:   "switchbotbluetooth-",
			Adapter:          "hci0",
		},
		StartDelay: StartDelayConfig{
			Enabled: false,
			Min:     5 * time.Second,
			Max:     20 * time.Second,
		},
		Registry: RegistryConfig{
			DeviceType:         "urn:infai:ses:device-type:38cf9c47-aebf-481d-8b17-5379e191a470",
			ServiceStatus:      "status",
			ServiceSetPosition: "set_position",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		LogLevel: "debug",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be in 1..65535, got %d", c.Broker.Port)
	}

	if c.Client.ID == "" {
		return fmt.Errorf("client.id must not be empty")
	}
	if c.Client.KeepAlive <= 0 {
		return fmt.Errorf("client.keep_alive must be > 0")
	}

	d := c.Discovery
	for name, v := range map[string]time.Duration{
		"scan_timeout":    d.ScanTimeout,
		"connect_timeout": d.ConnectTimeout,
		"command_timeout": d.CommandTimeout,
		"scan_period":     d.ScanPeriod,
	} {
		if v <= 0 {
			return fmt.Errorf("discovery.%s must be > 0", name)
		}
	}
	if d.CommandRetries < 0 {
		return fmt.Errorf("discovery.command_retries must be >= 0, got %d", d.CommandRetries)
	}
	if d.CommandRetryWait < 0 {
		return fmt.Errorf("discovery.command_retry_wait must be >= 0")
	}
	if d.DeviceIDPrefix == "" {
		return fmt.Errorf("discovery.device_id_prefix must not be empty")
	}

	if c.StartDelay.Enabled {
		if c.StartDelay.Min < 0 || c.StartDelay.Max < c.StartDelay.Min {
			return fmt.Errorf("start_delay must satisfy 0 <= min <= max, got min=%s max=%s", c.StartDelay.Min, c.StartDelay.Max)
		}
	}

	if c.Registry.DeviceType == "" {
		return fmt.Errorf("registry.device_type must not be empty")
	}
	if c.Registry.ServiceStatus == "" || c.Registry.ServiceSetPosition == "" {
		return fmt.Errorf("registry service names must not be empty")
	}
	if c.Registry.ServiceStatus == c.Registry.ServiceSetPosition {
		return fmt.Errorf("registry.service_status and registry.service_set_position must differ")
	}

	switch c.Tracing.Exporter {
	case "stdout", "noop", "":
	default:
		return fmt.Errorf("tracing.exporter must be \"stdout\" or \"noop\", got %q", c.Tracing.Exporter)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// BrokerURL returns the tcp:// URL of the configured broker.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Broker.Host, c.Broker.Port)
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
