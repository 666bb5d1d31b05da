package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory (tests point it at a temp dir)
const DataDirEnv = "NEARLINK_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".nearlink-data")
	}
	return filepath.Join(home, ".nearlink-data")
}

// GetDeviceCacheDir returns the data directory for a specific device, creating it
func GetDeviceCacheDir(deviceID string) (string, error) {
	dir := filepath.Join(GetDataDir(), deviceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create device dir: %w", err)
	}
	return dir, nil
}

// GetSocketDir returns the directory where the simulated radio sockets live
func GetSocketDir() (string, error) {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create socket dir: %w", err)
	}
	return socketDir, nil
}

// SocketPath returns the unix socket path for a device address
func SocketPath(deviceID string) (string, error) {
	dir, err := GetSocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("nearlink-%s.sock", deviceID)), nil
}
