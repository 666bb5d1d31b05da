package gatt

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
)

// CCCD (Client Characteristic Configuration Descriptor) values written by
// clients to enable/disable notifications
const (
	CCCDNotificationsDisabled uint16 = 0x0000
	CCCDNotificationsEnabled  uint16 = 0x0001
	CCCDIndicationsEnabled    uint16 = 0x0002
)

// ErrInvalidCCCDLength is returned when a CCCD value is not 2 bytes
var ErrInvalidCCCDLength = errors.New("gatt: CCCD value must be 2 bytes")

// CCCDManager tracks which connections have enabled notifications on which
// characteristic. In real BLE each connection has independent CCCD state and
// a closed connection loses all of its subscriptions.
type CCCDManager struct {
	mu sync.RWMutex
	// conn id -> characteristic value handle -> notify enabled
	subscriptions map[string]map[uint16]bool
}

// NewCCCDManager creates an empty manager
func NewCCCDManager() *CCCDManager {
	return &CCCDManager{subscriptions: make(map[string]map[uint16]bool)}
}

// Write applies a CCCD value written by conn for charHandle and returns
// whether notifications are now enabled
func (cm *CCCDManager) Write(conn string, charHandle uint16, cccdValue []byte) (bool, error) {
	value, err := DecodeCCCDValue(cccdValue)
	if err != nil {
		return false, err
	}
	enabled := value&CCCDNotificationsEnabled != 0

	cm.mu.Lock()
	defer cm.mu.Unlock()

	handles := cm.subscriptions[conn]
	if enabled {
		if handles == nil {
			handles = make(map[uint16]bool)
			cm.subscriptions[conn] = handles
		}
		handles[charHandle] = true
	} else if handles != nil {
		delete(handles, charHandle)
		if len(handles) == 0 {
			delete(cm.subscriptions, conn)
		}
	}
	return enabled, nil
}

// IsSubscribed reports whether conn has notifications enabled on charHandle
func (cm *CCCDManager) IsSubscribed(conn string, charHandle uint16) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.subscriptions[conn][charHandle]
}

// Subscribers returns the connections subscribed to charHandle, sorted
func (cm *CCCDManager) Subscribers(charHandle uint16) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var out []string
	for conn, handles := range cm.subscriptions {
		if handles[charHandle] {
			out = append(out, conn)
		}
	}
	sort.Strings(out)
	return out
}

// Remove clears every subscription of conn (called when it disconnects)
func (cm *CCCDManager) Remove(conn string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.subscriptions, conn)
}

// Clear removes all subscriptions
func (cm *CCCDManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.subscriptions = make(map[string]map[uint16]bool)
}

// EncodeCCCDValue converts a CCCD value to its 2 little-endian bytes
func EncodeCCCDValue(value uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, value)
	return out
}

// DecodeCCCDValue parses a written CCCD value
func DecodeCCCDValue(cccdValue []byte) (uint16, error) {
	if len(cccdValue) != 2 {
		return 0, ErrInvalidCCCDLength
	}
	return binary.LittleEndian.Uint16(cccdValue), nil
}
