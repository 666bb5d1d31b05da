package wifidirect

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/user/nearlink/logger"
)

// TXT keys the mDNS driver adds next to the session's own record
const (
	txtDevice = "device"
	txtName   = "name"
)

// MDNSConfig tunes the LAN driver
type MDNSConfig struct {
	// Address is this device's P2P address, announced in the TXT record
	Address string
	// Name is the human readable device name
	Name string
	// Interface restricts queries and announcements; nil uses the default
	Interface *net.Interface
	// BrowseInterval is the time between two DNS-SD queries
	BrowseInterval time.Duration
	// QueryTimeout bounds a single query
	QueryTimeout time.Duration
	// PeerTTL drops peers not seen for this long
	PeerTTL time.Duration
}

type mdnsPeer struct {
	dev      Device
	host     string
	instance string
	txt      map[string]string
	seen     time.Time
}

// MDNSDriver runs DNS-SD over multicast DNS on the local network in place
// of the P2P radio. Groups are logical: the device with the smaller address
// owns a group, and the owner's data plane is reached through the A record
// of its announcement.
type MDNSDriver struct {
	cfg    MDNSConfig
	prefix string

	mu             sync.Mutex
	ev             Events
	server         *mdns.Server
	serviceRequest bool
	discovering    bool
	services       bool
	peers          map[string]*mdnsPeer
	group          *Group
	ownerHost      string
	stopBrowse     chan struct{}
	wg             sync.WaitGroup
}

// NewMDNSDriver creates a driver for one device
func NewMDNSDriver(cfg MDNSConfig) *MDNSDriver {
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = 2 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = time.Second
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = 5 * cfg.BrowseInterval
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Address
	}
	return &MDNSDriver{
		cfg:    cfg,
		prefix: fmt.Sprintf("%s mDNS", logger.ShortID(cfg.Address)),
		peers:  make(map[string]*mdnsPeer),
	}
}

// Available reports whether any multicast-capable interface is up
func (d *MDNSDriver) Available() bool {
	if d.cfg.Interface != nil {
		return d.cfg.Interface.Flags&net.FlagUp != 0
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			return true
		}
	}
	return false
}

// Initialize installs the event callbacks
func (d *MDNSDriver) Initialize(ev Events) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ev = ev
	return nil
}

// AddLocalService announces svc. The instance name gets the device address
// appended so several devices can announce on one LAN.
func (d *MDNSDriver) AddLocalService(svc LocalService, done ActionListener) {
	txt := []string{txtDevice + "=" + d.cfg.Address, txtName + "=" + d.cfg.Name}
	keys := make([]string, 0, len(svc.TXT))
	for k := range svc.TXT {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	port := 0
	for _, k := range keys {
		txt = append(txt, k+"="+svc.TXT[k])
		if k == PortKey {
			fmt.Sscanf(svc.TXT[k], "%d", &port)
		}
	}

	instance := svc.Instance + "-" + strings.ReplaceAll(d.cfg.Address, ":", "")
	zone, err := mdns.NewMDNSService(instance, svc.Type, "", "", port, nil, txt)
	if err != nil {
		d.complete(done, fmt.Errorf("mdns service: %w", err))
		return
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone, Iface: d.cfg.Interface})
	if err != nil {
		d.complete(done, fmt.Errorf("mdns server: %w", err))
		return
	}

	d.mu.Lock()
	old := d.server
	d.server = server
	d.mu.Unlock()
	if old != nil {
		old.Shutdown()
	}
	logger.Debug(d.prefix, "announcing %s.%s on port %d", instance, svc.Type, port)
	d.complete(done, nil)
}

// RemoveLocalService stops announcing
func (d *MDNSDriver) RemoveLocalService(svc LocalService, done ActionListener) {
	d.mu.Lock()
	server := d.server
	d.server = nil
	d.mu.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown()
	}
	d.complete(done, err)
}

// AddServiceRequest enables service callbacks for browsed entries
func (d *MDNSDriver) AddServiceRequest(done ActionListener) {
	d.mu.Lock()
	d.serviceRequest = true
	d.mu.Unlock()
	d.complete(done, nil)
}

// RemoveServiceRequest disables service callbacks
func (d *MDNSDriver) RemoveServiceRequest(done ActionListener) {
	d.mu.Lock()
	d.serviceRequest = false
	d.services = false
	d.mu.Unlock()
	d.complete(done, nil)
}

// DiscoverPeers starts the browse loop
func (d *MDNSDriver) DiscoverPeers(done ActionListener) {
	d.mu.Lock()
	if !d.discovering {
		d.discovering = true
		d.stopBrowse = make(chan struct{})
		d.wg.Add(1)
		go d.browse(d.stopBrowse)
	}
	d.mu.Unlock()
	d.complete(done, nil)
}

// StopPeerDiscovery stops the browse loop and waits for it
func (d *MDNSDriver) StopPeerDiscovery(done ActionListener) {
	d.mu.Lock()
	stop := d.stopBrowse
	d.stopBrowse = nil
	d.discovering = false
	d.mu.Unlock()

	if stop == nil {
		d.complete(done, nil)
		return
	}
	close(stop)
	go func() {
		d.wg.Wait()
		done(nil)
	}()
}

// DiscoverServices reports service and TXT records of known peers now and
// of every peer browsed later
func (d *MDNSDriver) DiscoverServices(done ActionListener) {
	d.mu.Lock()
	if !d.serviceRequest {
		d.mu.Unlock()
		d.complete(done, fmt.Errorf("%w: no service request", ErrBusy))
		return
	}
	d.services = true
	known := make([]*mdnsPeer, 0, len(d.peers))
	for _, p := range d.peers {
		known = append(known, p)
	}
	ev := d.ev
	d.mu.Unlock()

	d.complete(done, nil)
	for _, p := range known {
		d.reportService(ev, p)
	}
}

// RequestPeers reports the current raw peer list
func (d *MDNSDriver) RequestPeers(fn func([]Device)) {
	d.mu.Lock()
	list := make([]Device, 0, len(d.peers))
	for _, p := range d.peers {
		list = append(list, p.dev)
	}
	d.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
	go fn(list)
}

// Connect forms a logical group with a browsed peer
func (d *MDNSDriver) Connect(address string, done ActionListener) {
	d.mu.Lock()
	p, ok := d.peers[address]
	if !ok {
		d.mu.Unlock()
		d.complete(done, fmt.Errorf("%w: %s", ErrNoPeer, address))
		return
	}

	owner := d.cfg.Address
	ownerHost := ""
	if address < owner {
		owner = address
		ownerHost = p.host
	}
	d.group = &Group{Owner: owner, IsOwner: owner == d.cfg.Address}
	if d.group.IsOwner {
		d.group.Clients = []string{address}
	}
	d.ownerHost = ownerHost
	ev := d.ev
	d.mu.Unlock()

	d.complete(done, nil)
	if ev.ConnectionChanged != nil {
		go ev.ConnectionChanged(true)
	}
}

// RequestGroupInfo reports the logical group, or nil
func (d *MDNSDriver) RequestGroupInfo(fn func(*Group)) {
	d.mu.Lock()
	var g *Group
	if d.group != nil {
		copied := *d.group
		copied.Clients = append([]string(nil), d.group.Clients...)
		g = &copied
	}
	d.mu.Unlock()
	go fn(g)
}

// RemoveGroup leaves the logical group
func (d *MDNSDriver) RemoveGroup(done ActionListener) {
	d.mu.Lock()
	had := d.group != nil
	d.group = nil
	d.ownerHost = ""
	ev := d.ev
	d.mu.Unlock()

	if !had {
		d.complete(done, ErrNoGroup)
		return
	}
	d.complete(done, nil)
	if ev.ConnectionChanged != nil {
		go ev.ConnectionChanged(false)
	}
}

// RequestConnectionInfo reports the group owner's data plane host
func (d *MDNSDriver) RequestConnectionInfo(fn func(Info)) {
	d.mu.Lock()
	var info Info
	if d.group != nil {
		info = Info{
			GroupFormed:       true,
			IsGroupOwner:      d.group.IsOwner,
			GroupOwner:        d.group.Owner,
			GroupOwnerAddress: d.ownerHost,
		}
	}
	d.mu.Unlock()
	go fn(info)
}

// Close stops announcing and browsing
func (d *MDNSDriver) Close() error {
	d.StopPeerDiscovery(func(error) {})
	d.wg.Wait()

	d.mu.Lock()
	server := d.server
	d.server = nil
	d.peers = make(map[string]*mdnsPeer)
	d.group = nil
	d.ev = Events{}
	d.mu.Unlock()

	if server != nil {
		return server.Shutdown()
	}
	return nil
}

func (d *MDNSDriver) complete(done ActionListener, err error) {
	if done != nil {
		go done(err)
	}
}

func (d *MDNSDriver) browse(stop <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.BrowseInterval)
	defer ticker.Stop()
	for {
		d.query()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// query runs one DNS-SD query and merges the answers into the peer list
func (d *MDNSDriver) query() {
	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(map[string]*mdnsPeer)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entries {
			if p := d.parseEntry(entry); p != nil {
				found[p.dev.Address] = p
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = d.cfg.QueryTimeout
	params.Interface = d.cfg.Interface
	params.DisableIPv6 = true
	if err := mdns.Query(params); err != nil {
		logger.Debug(d.prefix, "query failed: %v", err)
	}
	close(entries)
	<-collected

	d.merge(found)
}

func (d *MDNSDriver) parseEntry(entry *mdns.ServiceEntry) *mdnsPeer {
	if entry == nil {
		return nil
	}
	txt := make(map[string]string, len(entry.InfoFields))
	for _, field := range entry.InfoFields {
		if k, v, ok := strings.Cut(field, "="); ok {
			txt[k] = v
		}
	}
	address := txt[txtDevice]
	if address == "" || address == d.cfg.Address {
		return nil
	}

	host := ""
	if entry.AddrV4 != nil {
		host = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		host = entry.AddrV6.String()
	}

	instance, _, _ := strings.Cut(entry.Name, ".")
	name := txt[txtName]
	delete(txt, txtDevice)
	delete(txt, txtName)
	return &mdnsPeer{
		dev:      Device{Address: address, Name: name},
		host:     host,
		instance: instance,
		txt:      txt,
		seen:     time.Now(),
	}
}

// merge applies one query's answers. Peers not seen within PeerTTL are
// dropped; any change to the address set fires PeersChanged.
func (d *MDNSDriver) merge(found map[string]*mdnsPeer) {
	now := time.Now()

	d.mu.Lock()
	changed := false
	var fresh []*mdnsPeer
	for addr, p := range found {
		if _, ok := d.peers[addr]; !ok {
			changed = true
			fresh = append(fresh, p)
		}
		d.peers[addr] = p
	}
	for addr, p := range d.peers {
		if now.Sub(p.seen) > d.cfg.PeerTTL {
			delete(d.peers, addr)
			changed = true
		}
	}
	services := d.services
	ev := d.ev
	d.mu.Unlock()

	if services {
		for _, p := range fresh {
			d.reportService(ev, p)
		}
	}
	if changed && ev.PeersChanged != nil {
		ev.PeersChanged()
	}
}

func (d *MDNSDriver) reportService(ev Events, p *mdnsPeer) {
	if !strings.HasPrefix(p.instance, ServiceInstance) {
		return
	}
	if ev.ServiceAvailable != nil {
		ev.ServiceAvailable(ServiceInstance, ServiceType, p.dev)
	}
	if ev.TXTRecordAvailable != nil {
		ev.TXTRecordAvailable(ServiceInstance+"."+ServiceType+".local.", p.txt, p.dev)
	}
}
