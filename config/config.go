// Package config loads and saves the YAML settings of a nearlink node
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/nearlink/transport"
)

const (
	DefaultModel           = "nearlink"
	DefaultMessageSize     = 64
	DefaultSendInterval    = 5 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultScanInterval    = 500 * time.Millisecond
	DefaultMTU             = 512
	DefaultListenAddress   = ":0"
	DefaultBrowseInterval  = 2 * time.Second
	DefaultAwarePassphrase = "KatAppPassword"
	DefaultRetryInterval   = time.Second
	DefaultRetryBurst      = 3
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMetricsPath     = "/metrics"
)

// Config is the whole file
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Log        LogConfig        `yaml:"log"`
	BLE        BLEConfig        `yaml:"ble"`
	WiFiDirect WiFiDirectConfig `yaml:"wifi_direct"`
	WiFiAware  WiFiAwareConfig  `yaml:"wifi_aware"`
	Retry      RetryConfig      `yaml:"retry"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DeviceConfig is the local identity and what the run command sends
type DeviceConfig struct {
	Model string `yaml:"model"`
	// Address is the radio address; empty picks a random one per run
	Address      string        `yaml:"address,omitempty"`
	DataDir      string        `yaml:"data_dir,omitempty"`
	Transports   []string      `yaml:"transports"`
	MessageSize  int           `yaml:"message_size"`
	SendInterval time.Duration `yaml:"send_interval"`
	Latitude     *float64      `yaml:"latitude,omitempty"`
	Longitude    *float64      `yaml:"longitude,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// EventLog appends socket events to connection_events.jsonl
	EventLog bool `yaml:"event_log"`
}

type BLEConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	MTU          int           `yaml:"mtu"`
}

type WiFiDirectConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	Interface      string        `yaml:"interface,omitempty"`
	BrowseInterval time.Duration `yaml:"browse_interval"`
}

type WiFiAwareConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Passphrase    string `yaml:"passphrase"`
}

// RetryConfig paces connect retries of every transport
type RetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint; empty disables it
	Listen string `yaml:"listen,omitempty"`
	Path   string `yaml:"path"`
}

// Default returns a config with every default applied
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the values defaults cannot repair
func Validate(cfg Config) error {
	if len(cfg.Device.Transports) == 0 {
		return fmt.Errorf("device.transports needs at least one transport")
	}
	for _, name := range cfg.Device.Transports {
		if _, err := transport.ParseKind(name); err != nil {
			return fmt.Errorf("device.transports: %w", err)
		}
	}
	if cfg.Device.MessageSize < 0 {
		return fmt.Errorf("device.message_size must not be negative")
	}
	if (cfg.Device.Latitude == nil) != (cfg.Device.Longitude == nil) {
		return fmt.Errorf("device.latitude and device.longitude go together")
	}
	if lat := cfg.Device.Latitude; lat != nil && (*lat < -90 || *lat > 90) {
		return fmt.Errorf("device.latitude %v out of range", *lat)
	}
	if lon := cfg.Device.Longitude; lon != nil && (*lon < -180 || *lon > 180) {
		return fmt.Errorf("device.longitude %v out of range", *lon)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", cfg.Log.Format)
	}
	if cfg.BLE.MTU < 23 || cfg.BLE.MTU > 512 {
		return fmt.Errorf("ble.mtu must be between 23 and 512, got %d", cfg.BLE.MTU)
	}
	if cfg.WiFiAware.Passphrase == "" {
		return fmt.Errorf("wifi_aware.passphrase is required")
	}
	if cfg.Retry.Burst < 1 {
		return fmt.Errorf("retry.burst must be at least 1")
	}
	if cfg.Metrics.Listen != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// Kinds returns the configured transports in start order, without repeats
func (c Config) Kinds() ([]transport.Kind, error) {
	want := make(map[transport.Kind]bool)
	for _, name := range c.Device.Transports {
		kind, err := transport.ParseKind(name)
		if err != nil {
			return nil, err
		}
		want[kind] = true
	}
	var kinds []transport.Kind
	for _, kind := range transport.Kinds() {
		if want[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// ApplyDefaults fills in default values when empty
func ApplyDefaults(cfg *Config) {
	if cfg.Device.Model == "" {
		cfg.Device.Model = DefaultModel
	}
	if len(cfg.Device.Transports) == 0 {
		for _, kind := range transport.Kinds() {
			cfg.Device.Transports = append(cfg.Device.Transports, string(kind))
		}
	}
	if cfg.Device.MessageSize == 0 {
		cfg.Device.MessageSize = DefaultMessageSize
	}
	if cfg.Device.SendInterval == 0 {
		cfg.Device.SendInterval = DefaultSendInterval
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.BLE.ScanInterval == 0 {
		cfg.BLE.ScanInterval = DefaultScanInterval
	}
	if cfg.BLE.MTU == 0 {
		cfg.BLE.MTU = DefaultMTU
	}

	if cfg.WiFiDirect.ListenAddress == "" {
		cfg.WiFiDirect.ListenAddress = DefaultListenAddress
	}
	if cfg.WiFiDirect.BrowseInterval == 0 {
		cfg.WiFiDirect.BrowseInterval = DefaultBrowseInterval
	}

	if cfg.WiFiAware.ListenAddress == "" {
		cfg.WiFiAware.ListenAddress = DefaultListenAddress
	}
	if cfg.WiFiAware.Passphrase == "" {
		cfg.WiFiAware.Passphrase = DefaultAwarePassphrase
	}

	if cfg.Retry.Interval == 0 {
		cfg.Retry.Interval = DefaultRetryInterval
	}
	if cfg.Retry.Burst == 0 {
		cfg.Retry.Burst = DefaultRetryBurst
	}

	if cfg.Shutdown.Timeout == 0 {
		cfg.Shutdown.Timeout = DefaultShutdownTimeout
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}
