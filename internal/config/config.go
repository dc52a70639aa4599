// Package config handles asgard configuration loading.
//
// Every field has a compiled-in default that reproduces the device's
// stock behaviour, so a config file is optional: a bare `asgard` joins
// the default network and publishes to the public broker.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and none of the search paths exist.
var ErrNoConfig = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./asgard.yaml, ~/.config/asgard/asgard.yaml, /etc/asgard/asgard.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"asgard.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "asgard", "asgard.yaml"))
	}

	paths = append(paths, "/etc/asgard/asgard.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns [ErrNoConfig] (wrapped) if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all asgard configuration.
type Config struct {
	Station   StationConfig `yaml:"station"`
	Broker    BrokerConfig  `yaml:"broker"`
	Publish   PublishConfig `yaml:"publish"`
	Monitor   MonitorConfig `yaml:"monitor"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
	// LogFile, when set, receives a copy of all log output in a
	// size-rotated file alongside stdout.
	LogFile LogFileConfig `yaml:"log_file"`
}

// StationConfig defines how the Wi-Fi station joins its network.
type StationConfig struct {
	// Driver selects the interface backend: "wpa" talks to
	// wpa_supplicant, "sim" is an in-process simulation.
	Driver     string `yaml:"driver"`
	Interface  string `yaml:"interface"`   // e.g. wlan0
	ControlDir string `yaml:"control_dir"` // wpa_supplicant ctrl_interface directory
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
	// MinAuth is the weakest security mode the station accepts:
	// open, wep, wpa-psk, wpa2-psk or wpa3-sae.
	MinAuth    string `yaml:"min_auth"`
	MaxRetries int    `yaml:"max_retries"`
	// Backoff selects the retry pacing: "none" retries immediately,
	// "exponential" grows the delay between attempts.
	Backoff string `yaml:"backoff"`
	// WaitTimeoutSec bounds the startup wait for a connection. Zero
	// waits forever.
	WaitTimeoutSec int `yaml:"wait_timeout_sec"`
	// SimFailures is the number of connect attempts the sim driver
	// fails before succeeding. Negative fails every attempt.
	SimFailures int `yaml:"sim_failures"`
}

// BrokerConfig defines the MQTT broker endpoint.
type BrokerConfig struct {
	URL          string `yaml:"url"`
	ClientID     string `yaml:"client_id"` // empty = generated and persisted
	KeepAliveSec int    `yaml:"keep_alive_sec"`
}

// PublishConfig defines the periodic telemetry message.
type PublishConfig struct {
	Topic       string `yaml:"topic"`
	Greeting    string `yaml:"greeting"`
	QoS         int    `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
	IntervalSec int    `yaml:"interval_sec"`
}

// MonitorConfig defines the optional health/metrics HTTP server.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 9100
}

// LogFileConfig controls the optional rotated log file.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from a YAML file. Fields missing from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	return cfg, nil
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Station: StationConfig{
			Driver:     "wpa",
			Interface:  "wlan0",
			ControlDir: "/var/run/wpa_supplicant",
			SSID:       "redeteste",
			Passphrase: "teste@#2571",
			MinAuth:    "wpa2-psk",
			MaxRetries: 10,
			Backoff:    "none",
		},
		Broker: BrokerConfig{
			URL:          "mqtt://broker.hivemq.com:1883",
			KeepAliveSec: 120,
		},
		Publish: PublishConfig{
			Topic:       "asgard/",
			Greeting:    "Ola do ESP32",
			QoS:         1,
			IntervalSec: 10,
		},
		Monitor: MonitorConfig{Port: 9100},
		DataDir: "./data",
		LogFile: LogFileConfig{
			MaxSizeMB:  5,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Station.Driver {
	case "wpa", "sim":
	default:
		return fmt.Errorf("station.driver %q unknown (valid: wpa, sim)", c.Station.Driver)
	}
	if c.Station.SSID == "" {
		return fmt.Errorf("station.ssid is required")
	}
	if c.Station.MaxRetries < 0 {
		return fmt.Errorf("station.max_retries must be >= 0, got %d", c.Station.MaxRetries)
	}
	switch c.Station.Backoff {
	case "", "none", "exponential":
	default:
		return fmt.Errorf("station.backoff %q unknown (valid: none, exponential)", c.Station.Backoff)
	}
	if c.Station.WaitTimeoutSec < 0 {
		return fmt.Errorf("station.wait_timeout_sec must be >= 0")
	}

	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
	case "mqtts", "ssl", "tls":
		return fmt.Errorf("broker.url %q: TLS brokers are not supported", c.Broker.URL)
	default:
		return fmt.Errorf("broker.url %q: unsupported scheme %q", c.Broker.URL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker.url %q has no host", c.Broker.URL)
	}

	if c.Broker.KeepAliveSec < 0 || c.Broker.KeepAliveSec > math.MaxUint16 {
		return fmt.Errorf("broker.keep_alive_sec must be 0..%d, got %d", math.MaxUint16, c.Broker.KeepAliveSec)
	}

	if c.Publish.Topic == "" {
		return fmt.Errorf("publish.topic is required")
	}
	if c.Publish.QoS < 0 || c.Publish.QoS > 2 {
		return fmt.Errorf("publish.qos must be 0, 1 or 2, got %d", c.Publish.QoS)
	}
	if c.Publish.IntervalSec <= 0 {
		return fmt.Errorf("publish.interval_sec must be > 0, got %d", c.Publish.IntervalSec)
	}

	if c.Monitor.Port < 1 || c.Monitor.Port > math.MaxUint16 {
		return fmt.Errorf("monitor.port must be 1..%d, got %d", math.MaxUint16, c.Monitor.Port)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat)
	}
	return nil
}
