// Package transport holds what the three transport sessions share: the
// session interface the node drives, the host bundle handed to every
// session constructor, and the TCP stream data plane used by both Wi-Fi
// transports.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/nearlink/events"
	"github.com/user/nearlink/lifecycle"
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/metrics"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/wire"
)

// Kind names a transport
type Kind string

const (
	BLE        Kind = "ble"
	WiFiDirect Kind = "wifi_direct"
	WiFiAware  Kind = "wifi_aware"
)

// Kinds lists every transport kind in start order
func Kinds() []Kind {
	return []Kind{BLE, WiFiDirect, WiFiAware}
}

// ParseKind accepts the kind names plus a few common spellings
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(s)) {
	case "ble", "bluetooth":
		return BLE, nil
	case "wifi_direct", "wifidirect", "p2p":
		return WiFiDirect, nil
	case "wifi_aware", "wifiaware", "aware", "nan":
		return WiFiAware, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// ErrUnavailable marks a transport whose capability is absent on this device
var ErrUnavailable = errors.New("transport unavailable")

// Session is the live instance of one transport. Start and Stop are
// idempotent; Stop during an in-flight Start aborts it and still reaches
// Idle.
type Session interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() lifecycle.State
	// Broadcast sends m to every connected peer except the connection it
	// arrived on and returns the number of peers reached
	Broadcast(m message.Message, except relay.Source) int
	Peers() []string
}

// Ingester consumes decoded-or-not frames from a transport
type Ingester interface {
	Ingest(frame []byte, src relay.Source) (message.Message, bool)
}

// Host bundles what every session needs from its node
type Host struct {
	// Address is this device's radio address (socket name, P2P address)
	Address  string
	Device   *message.Device
	Hub      *events.Hub
	Ingester Ingester
	Metrics  *metrics.Metrics
	// EventLog audits socket events; nil disables it
	EventLog *wire.ConnectionEventLogger
}

// Prefix builds a log prefix for a component of this host
func (h Host) Prefix(component string) string {
	return fmt.Sprintf("%s %s", logger.ShortID(h.Address), component)
}

// Unavailability reports a transport that cannot run here. A session keeps
// one, so repeated starts stay silent after the first report.
type Unavailability struct {
	once sync.Once
}

// Report logs and emits the "unavailable" connection event on the first
// call only
func (u *Unavailability) Report(h Host, kind Kind) {
	u.once.Do(func() {
		logger.Warn(h.Prefix(string(kind)), "%s is not available on this device, start ignored", kind)
		h.Hub.EmitConnection(events.Unavailable(string(kind)))
	})
}

// ExceptConn returns the connection to skip when fanning out on kind
func ExceptConn(kind Kind, src relay.Source) string {
	if src.Transport == string(kind) {
		return src.Conn
	}
	return ""
}

// StartResult maps the controller's Start outcome to a session Start error:
// an already running session and a start aborted by Stop are not failures.
// It reports whether the caller should go on bringing the session up.
func StartResult(prefix string, err error) (proceed bool, result error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, lifecycle.ErrAlreadyStarted):
		logger.Debug(prefix, "already started")
		return false, nil
	case errors.Is(err, lifecycle.ErrStartAborted):
		logger.Info(prefix, "start aborted by stop")
		return false, nil
	}
	return false, err
}
