package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/nearlink/util"
)

// AdvertisingFile holds a device's current advertisement in its data dir
const AdvertisingFile = "advertising.json"

const (
	socketPrefix = "nearlink-"
	socketSuffix = ".sock"
)

// Advertisement is what a simulated peripheral puts "on air": the raw AD
// payload plus the socket a central connects to
type Advertisement struct {
	Address   string    `json:"address"`
	Socket    string    `json:"socket"`
	Payload   []byte    `json:"payload"` // AD structures, base64 in JSON
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteAdvertisement publishes an advertisement for a device
func WriteAdvertisement(adv Advertisement) error {
	dir, err := util.GetDeviceCacheDir(adv.Address)
	if err != nil {
		return err
	}
	if adv.UpdatedAt.IsZero() {
		adv.UpdatedAt = time.Now()
	}

	data, err := json.MarshalIndent(adv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal advertising data: %w", err)
	}

	// Write then rename so scanners never see a half-written file
	path := filepath.Join(dir, AdvertisingFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", AdvertisingFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", AdvertisingFile, err)
	}
	return nil
}

// ReadAdvertisement reads a device's advertisement. A device that is not
// advertising returns os.ErrNotExist.
func ReadAdvertisement(address string) (*Advertisement, error) {
	path := filepath.Join(util.GetDataDir(), address, AdvertisingFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var adv Advertisement
	if err := json.Unmarshal(data, &adv); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", AdvertisingFile, err)
	}
	return &adv, nil
}

// RemoveAdvertisement stops advertising. Not advertising is not an error.
func RemoveAdvertisement(address string) error {
	path := filepath.Join(util.GetDataDir(), address, AdvertisingFile)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ListDevices returns the addresses of all devices with a radio socket,
// excluding self, sorted
func ListDevices(self string) ([]string, error) {
	socketDir, err := util.GetSocketDir()
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(socketDir, socketPrefix+"*"+socketSuffix))
	if err != nil {
		return nil, err
	}

	devices := make([]string, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		address := strings.TrimSuffix(strings.TrimPrefix(name, socketPrefix), socketSuffix)
		if address == "" || address == self {
			continue
		}
		devices = append(devices, address)
	}
	sort.Strings(devices)
	return devices, nil
}
