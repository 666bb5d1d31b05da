package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/nearlink/transport"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, []string{"ble", "wifi_direct", "wifi_aware"}, cfg.Device.Transports)
	assert.Equal(t, DefaultMTU, cfg.BLE.MTU)
	assert.Equal(t, DefaultAwarePassphrase, cfg.WiFiAware.Passphrase)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Shutdown.Timeout)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "nearlink.yaml")
	lat, lon := 47.37, 8.54
	cfg := Default()
	cfg.Device.Model = "Pixel 7"
	cfg.Device.Transports = []string{"aware", "ble"}
	cfg.Device.Latitude, cfg.Device.Longitude = &lat, &lon
	cfg.BLE.ScanInterval = 250 * time.Millisecond
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "scan_interval: 250ms")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	kinds, err := loaded.Kinds()
	require.NoError(t, err)
	assert.Equal(t, []transport.Kind{transport.BLE, transport.WiFiAware}, kinds)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  model: test\nretry:\n  interval: 2s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Device.Model)
	assert.Equal(t, 2*time.Second, cfg.Retry.Interval)
	assert.Equal(t, DefaultRetryBurst, cfg.Retry.Burst)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	lat := 12.0
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Device.Transports = []string{"zigbee"} }},
		{"negative size", func(c *Config) { c.Device.MessageSize = -1 }},
		{"latitude alone", func(c *Config) { c.Device.Latitude = &lat }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"mtu too small", func(c *Config) { c.BLE.MTU = 10 }},
		{"mtu too large", func(c *Config) { c.BLE.MTU = 1024 }},
		{"empty passphrase", func(c *Config) { c.WiFiAware.Passphrase = "" }},
		{"metrics path", func(c *Config) { c.Metrics.Listen = ":9100"; c.Metrics.Path = "metrics" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
