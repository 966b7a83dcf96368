package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gohrm/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	DeviceAddress string       `yaml:"device_address"`
	LogLevel      string       `yaml:"log_level"`
	LogFormat     string       `yaml:"log_format"` // "text" or "json"
	BLE           BLEConfig    `yaml:"ble"`
	Record        RecordConfig `yaml:"record"`
}

// BLEConfig holds the link settings.
type BLEConfig struct {
	Backend          string          `yaml:"backend"` // "tinygo" or "hci"
	ConnectTimeout   time.Duration   `yaml:"connect_timeout"`
	DiscoveryTimeout time.Duration   `yaml:"discovery_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds the backoff settings. A negative max_attempts
// retries forever.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// RecordConfig toggles sample record lines.
type RecordConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gohrm")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultMachineOptions()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		BLE: BLEConfig{
			Backend:          ble.BackendTinyGo,
			ConnectTimeout:   opts.ConnectTimeout,
			DiscoveryTimeout: opts.DiscoveryTimeout,
			Reconnect: ReconnectConfig{
				InitialDelay: opts.Reconnect.InitialDelay,
				MaxDelay:     opts.Reconnect.MaxDelay,
				MaxAttempts:  opts.Reconnect.MaxAttempts,
			},
		},
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
	cfg.DeviceAddress = strings.TrimSpace(cfg.DeviceAddress)

	return cfg, nil
}

// Validate checks the config for invalid values. An empty device_address
// is allowed; the CLI may supply one.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	switch c.BLE.Backend {
	case ble.BackendTinyGo, ble.BackendHCI:
	default:
		return fmt.Errorf("ble.backend must be %q or %q, got %q", ble.BackendTinyGo, ble.BackendHCI, c.BLE.Backend)
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.DiscoveryTimeout <= 0 {
		return fmt.Errorf("ble.discovery_timeout must be > 0")
	}

	r := c.BLE.Reconnect
	if r.InitialDelay <= 0 {
		return fmt.Errorf("ble.reconnect.initial_delay must be > 0")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("ble.reconnect.max_delay (%s) must be >= initial_delay (%s)", r.MaxDelay, r.InitialDelay)
	}
	if r.MaxAttempts == 0 {
		return fmt.Errorf("ble.reconnect.max_attempts must be non-zero (negative retries forever)")
	}

	return nil
}

// MachineOptions converts the BLE section into state machine options.
func (c *Config) MachineOptions() ble.MachineOptions {
	return ble.MachineOptions{
		ConnectTimeout:   c.BLE.ConnectTimeout,
		DiscoveryTimeout: c.BLE.DiscoveryTimeout,
		Reconnect: ble.ReconnectPolicy{
			InitialDelay: c.BLE.Reconnect.InitialDelay,
			MaxDelay:     c.BLE.Reconnect.MaxDelay,
			MaxAttempts:  c.BLE.Reconnect.MaxAttempts,
		},
	}
}

const defaultHeader = `# gohrm configuration
#
# device_address: MAC address of the sensor (CoreBluetooth UUID on macOS).
#                 May be left empty and passed to "gohrm monitor <address>".
# ble.backend:    "tinygo" (BlueZ / CoreBluetooth / WinRT) or "hci"
#                 (raw HCI socket, Linux only, needs CAP_NET_ADMIN).
# ble.reconnect.max_attempts: a negative value retries forever.
# record.enabled: print one "<timestamp>,<bpm>[,<rr>...]" line per sample.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if path == "config.yaml" {
		return "", fmt.Errorf("cannot determine home directory")
	}

	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
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
