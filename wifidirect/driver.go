// Package wifidirect is the service-discovery transport: peers find each
// other through a DNS-SD local service, form a group, and exchange records
// over a TCP data plane between group clients and the group owner.
//
// The radio itself sits behind Driver, an asynchronous API shaped like the
// platform P2P manager. Every completion and broadcast event the driver
// reports is funneled onto the node's event dispatcher before the session
// acts on it, so session logic never runs concurrently with itself.
package wifidirect

import "errors"

// Service identity, shared with the original app so mixed fleets interoperate
const (
	ServiceInstance = "_katappwifidirectservice"
	ServiceType     = "_presence._tcp"
	// TXTDomain is the short domain some stacks report TXT records under
	TXTDomain = "_katapp._tcp"
	// PortKey is the TXT key carrying the data plane port
	PortKey = "listeningPort"
	// DefaultPort is used when a group owner's TXT record was never seen
	DefaultPort = 8888
)

// Driver errors
var (
	ErrBusy    = errors.New("p2p: busy")
	ErrNoGroup = errors.New("p2p: no group")
	ErrNoPeer  = errors.New("p2p: peer not found")
)

// ActionListener receives the completion of an asynchronous action; err is
// nil on success
type ActionListener func(err error)

// Device is one entry of a raw peer list
type Device struct {
	Address string
	Name    string
}

// LocalService is a DNS-SD service registered for discovery
type LocalService struct {
	Instance string
	Type     string
	TXT      map[string]string
}

// Group describes the P2P group this device is in
type Group struct {
	Owner   string
	IsOwner bool
	Clients []string
}

// Info is the connection information of a formed group
type Info struct {
	GroupFormed  bool
	IsGroupOwner bool
	// GroupOwnerAddress is the host the owner's data plane listens on
	GroupOwnerAddress string
	// GroupOwner is the owner's device address
	GroupOwner string
}

// Events are the unsolicited notifications of a driver
type Events struct {
	PeersChanged       func()
	ConnectionChanged  func(connected bool)
	ServiceAvailable   func(instance, serviceType string, dev Device)
	TXTRecordAvailable func(fullDomain string, record map[string]string, dev Device)
}

// Driver is the P2P manager. All methods return immediately; results arrive
// through the given callbacks on driver goroutines.
type Driver interface {
	Available() bool
	Initialize(ev Events) error
	AddLocalService(svc LocalService, done ActionListener)
	RemoveLocalService(svc LocalService, done ActionListener)
	AddServiceRequest(done ActionListener)
	RemoveServiceRequest(done ActionListener)
	DiscoverPeers(done ActionListener)
	StopPeerDiscovery(done ActionListener)
	DiscoverServices(done ActionListener)
	RequestPeers(fn func([]Device))
	Connect(address string, done ActionListener)
	RequestGroupInfo(fn func(*Group))
	RemoveGroup(done ActionListener)
	RequestConnectionInfo(fn func(Info))
	Close() error
}
