package radio

import (
	"errors"
	"sort"

	"github.com/user/nearlink/wifidirect"
)

var (
	errNotInitialized = errors.New("p2p: not initialized")
	errNoRequests     = errors.New("p2p: no service requests")
	errUnavailable    = errors.New("p2p: unsupported")
)

type group struct {
	owner   string
	members map[string]bool
}

// P2P is one device's simulated P2P manager
type P2P struct {
	air     *Air
	address string
	name    string

	// guarded by air.mu
	available   bool
	initialized bool
	events      wifidirect.Events
	discovering bool
	browsing    bool
	requesting  bool
	service     *wifidirect.LocalService
	group       *group
}

var _ wifidirect.Driver = (*P2P)(nil)

// P2P creates a device's P2P manager on this medium
func (a *Air) P2P(address, name string) *P2P {
	d := &P2P{air: a, address: address, name: name, available: true}
	a.mu.Lock()
	a.p2p[address] = d
	a.mu.Unlock()
	return d
}

// Address returns the device address
func (d *P2P) Address() string {
	return d.address
}

// SetAvailable toggles the capability
func (d *P2P) SetAvailable(v bool) {
	d.air.mu.Lock()
	d.available = v
	d.air.mu.Unlock()
}

func (d *P2P) Available() bool {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	return d.available
}

func (d *P2P) Initialize(ev wifidirect.Events) error {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	if !d.available {
		return errUnavailable
	}
	d.events = ev
	d.initialized = true
	return nil
}

func (d *P2P) complete(done wifidirect.ActionListener, err error) {
	if done != nil {
		d.air.asyncLocked(func() { done(err) })
	}
}

func (d *P2P) AddLocalService(svc wifidirect.LocalService, done wifidirect.ActionListener) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if !d.initialized {
		d.complete(done, errNotInitialized)
		return
	}
	txt := make(map[string]string, len(svc.TXT))
	for k, v := range svc.TXT {
		txt[k] = v
	}
	svc.TXT = txt
	d.service = &svc
	d.complete(done, nil)

	for _, other := range a.p2p {
		if other != d && other.browsing && other.sees(d) {
			other.deliverServiceLocked(d)
		}
	}
}

func (d *P2P) RemoveLocalService(svc wifidirect.LocalService, done wifidirect.ActionListener) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	d.service = nil
	d.complete(done, nil)
}

func (d *P2P) AddServiceRequest(done wifidirect.ActionListener) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	if !d.initialized {
		d.complete(done, errNotInitialized)
		return
	}
	d.requesting = true
	d.complete(done, nil)
}

func (d *P2P) RemoveServiceRequest(done wifidirect.ActionListener) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	d.requesting = false
	d.browsing = false
	d.complete(done, nil)
}

func (d *P2P) DiscoverPeers(done wifidirect.ActionListener) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if !d.initialized {
		d.complete(done, errNotInitialized)
		return
	}
	if a.failLocked(OpDiscoverPeers) {
		d.complete(done, wifidirect.ErrBusy)
		return
	}
	d.discovering = true
	d.complete(done, nil)
	a.peersChangedLocked()

	// Browsing peers learn the service of a device coming into range
	if d.service != nil {
		for _, other := range a.sortedP2PLocked() {
			if other != d && other.browsing && other.sees(d) {
				other.deliverServiceLocked(d)
			}
		}
	}
}

func (d *P2P) StopPeerDiscovery(done wifidirect.ActionListener) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	d.discovering = false
	d.browsing = false
	d.complete(done, nil)
	a.peersChangedLocked()
}

func (d *P2P) DiscoverServices(done wifidirect.ActionListener) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if !d.requesting {
		d.complete(done, errNoRequests)
		return
	}
	if a.failLocked(OpDiscoverServ) {
		d.complete(done, wifidirect.ErrBusy)
		return
	}
	d.browsing = true
	d.complete(done, nil)
	for _, other := range a.sortedP2PLocked() {
		if other != d && other.service != nil && d.sees(other) {
			d.deliverServiceLocked(other)
		}
	}
}

func (d *P2P) RequestPeers(fn func([]wifidirect.Device)) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	var devs []wifidirect.Device
	for _, other := range a.sortedP2PLocked() {
		if other != d && d.sees(other) {
			devs = append(devs, wifidirect.Device{Address: other.address, Name: other.name})
		}
	}
	a.asyncLocked(func() { fn(devs) })
}

// Connect joins the peer's group, or forms one owned by the smaller address
func (d *P2P) Connect(address string, done wifidirect.ActionListener) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failLocked(OpConnect) {
		d.complete(done, wifidirect.ErrBusy)
		return
	}
	peer, ok := a.p2p[address]
	if !ok || peer == d || !d.sees(peer) {
		d.complete(done, wifidirect.ErrNoPeer)
		return
	}

	switch {
	case d.group != nil && d.group == peer.group:
		d.complete(done, nil)
		return
	case d.group != nil:
		d.complete(done, wifidirect.ErrBusy)
		return
	case peer.group != nil:
		peer.group.members[d.address] = true
		d.group = peer.group
	default:
		owner := d.address
		if peer.address < owner {
			owner = peer.address
		}
		g := &group{owner: owner, members: map[string]bool{d.address: true, peer.address: true}}
		d.group, peer.group = g, g
	}
	a.calls[OpConnect]++
	d.complete(done, nil)
	a.connectionChangedLocked(d.group, true)
}

func (d *P2P) RequestGroupInfo(fn func(*wifidirect.Group)) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	var info *wifidirect.Group
	if g := d.group; g != nil {
		info = &wifidirect.Group{Owner: g.owner, IsOwner: g.owner == d.address}
		for m := range g.members {
			if m != g.owner {
				info.Clients = append(info.Clients, m)
			}
		}
		sort.Strings(info.Clients)
	}
	a.asyncLocked(func() { fn(info) })
}

func (d *P2P) RemoveGroup(done wifidirect.ActionListener) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if d.group == nil {
		d.complete(done, wifidirect.ErrNoGroup)
		return
	}
	if a.failLocked(OpRemoveGroup) {
		d.complete(done, wifidirect.ErrBusy)
		return
	}
	d.leaveGroupLocked()
	a.calls[OpRemoveGroup]++
	d.complete(done, nil)
}

func (d *P2P) RequestConnectionInfo(fn func(wifidirect.Info)) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	var info wifidirect.Info
	if g := d.group; g != nil {
		info = wifidirect.Info{
			GroupFormed:       true,
			IsGroupOwner:      g.owner == d.address,
			GroupOwnerAddress: Host,
			GroupOwner:        g.owner,
		}
	}
	a.asyncLocked(func() { fn(info) })
}

// Close releases the manager; the device disappears from its peers
func (d *P2P) Close() error {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if d.group != nil {
		d.leaveGroupLocked()
	}
	d.initialized = false
	d.discovering = false
	d.browsing = false
	d.requesting = false
	d.service = nil
	d.events = wifidirect.Events{}
	a.peersChangedLocked()
	return nil
}

// sees reports whether other is visible to d: discovering devices are
// visible, and so are members of the same group
func (d *P2P) sees(other *P2P) bool {
	if !other.initialized {
		return false
	}
	return other.discovering || (d.group != nil && d.group == other.group)
}

// leaveGroupLocked dissolves an owned group, or leaves a joined one. A
// group left with only its owner dissolves as well.
func (d *P2P) leaveGroupLocked() {
	a := d.air
	g := d.group
	if g.owner == d.address || len(g.members) <= 2 {
		a.connectionChangedLocked(g, false)
		for m := range g.members {
			if p, ok := a.p2p[m]; ok && p.group == g {
				p.group = nil
			}
		}
		return
	}
	delete(g.members, d.address)
	d.group = nil
	d.notifyLocked(func(ev wifidirect.Events) {
		if ev.ConnectionChanged != nil {
			ev.ConnectionChanged(false)
		}
	})
	a.connectionChangedLocked(g, true)
}

func (d *P2P) deliverServiceLocked(from *P2P) {
	svc := *from.service
	dev := wifidirect.Device{Address: from.address, Name: from.name}
	txt := make(map[string]string, len(svc.TXT))
	for k, v := range svc.TXT {
		txt[k] = v
	}
	domain := svc.Instance + "." + svc.Type + ".local."
	d.notifyLocked(func(ev wifidirect.Events) {
		if ev.ServiceAvailable != nil {
			ev.ServiceAvailable(svc.Instance, svc.Type, dev)
		}
		if ev.TXTRecordAvailable != nil {
			ev.TXTRecordAvailable(domain, txt, dev)
		}
	})
}

func (d *P2P) notifyLocked(fn func(wifidirect.Events)) {
	if !d.initialized {
		return
	}
	ev := d.events
	d.air.asyncLocked(func() { fn(ev) })
}

func (a *Air) peersChangedLocked() {
	for _, d := range a.p2p {
		d.notifyLocked(func(ev wifidirect.Events) {
			if ev.PeersChanged != nil {
				ev.PeersChanged()
			}
		})
	}
}

func (a *Air) connectionChangedLocked(g *group, connected bool) {
	for m := range g.members {
		if d, ok := a.p2p[m]; ok {
			d.notifyLocked(func(ev wifidirect.Events) {
				if ev.ConnectionChanged != nil {
					ev.ConnectionChanged(connected)
				}
			})
		}
	}
}

func (a *Air) sortedP2PLocked() []*P2P {
	out := make([]*P2P, 0, len(a.p2p))
	for _, d := range a.p2p {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}
