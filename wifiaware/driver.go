// Package wifiaware is the publish/subscribe transport. Every device both
// publishes and subscribes to one service. A subscriber asks a discovered
// publisher for a session with a follow-up message; once accepted both
// sides request a data path network and the subscriber dials the
// publisher's pre-bound socket, authenticated with the service pass-phrase.
package wifiaware

import "errors"

// ServiceName is published and subscribed by every device
const ServiceName = "KatAppWiFiAwareService"

// Driver errors
var (
	ErrNotAttached = errors.New("aware: not attached")
	ErrNoSession   = errors.New("aware: no discovery session for peer")
)

// PeerHandle identifies a peer within discovery sessions
type PeerHandle string

// DiscoverySession is a running publish or subscribe session
type DiscoverySession interface {
	// SendMessage sends a follow-up message to a peer of this session
	SendMessage(peer PeerHandle, id int, msg []byte, done func(error))
	Close()
}

// DiscoveryCallbacks receive the events of one discovery session. Each
// runs on a driver goroutine.
type DiscoveryCallbacks struct {
	Started           func(session DiscoverySession)
	Failed            func(err error)
	ServiceDiscovered func(peer PeerHandle, info []byte)
	MessageReceived   func(peer PeerHandle, msg []byte)
}

// AttachedSession is the handle returned by a successful attach
type AttachedSession interface {
	Publish(service string, cb DiscoveryCallbacks)
	Subscribe(service string, cb DiscoveryCallbacks)
	// Close detaches and closes every discovery session
	Close()
}

// NetworkSpecifier describes a data path to one peer
type NetworkSpecifier struct {
	Peer       PeerHandle
	Publisher  bool
	Passphrase string
	// Port is the publisher's listening port; zero for subscribers
	Port int
}

// PeerInfo is what the data path reveals about the other side
type PeerInfo struct {
	Address string
	Port    int
}

// NetworkCallback receives data path events
type NetworkCallback struct {
	Available           func()
	CapabilitiesChanged func(info PeerInfo)
	Lost                func()
	Unavailable         func()
}

// Driver is the Aware manager plus the connectivity manager's network
// requests. All results arrive asynchronously.
type Driver interface {
	Available() bool
	Attach(fn func(AttachedSession, error))
	RequestNetwork(spec NetworkSpecifier, cb NetworkCallback) (requestID int)
	ReleaseNetwork(requestID int)
}
