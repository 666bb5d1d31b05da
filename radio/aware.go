package radio

import (
	"github.com/user/nearlink/wifiaware"
)

// Aware is one device's simulated Aware manager
type Aware struct {
	air     *Air
	address string

	// guarded by air.mu
	available bool
	attached  *attachment
}

var _ wifiaware.Driver = (*Aware)(nil)

type attachment struct {
	dev    *Aware
	pub    *discovery
	sub    *discovery
	closed bool
}

type discovery struct {
	att       *attachment
	publisher bool
	service   string
	cb        wifiaware.DiscoveryCallbacks
	closed    bool
}

type netRequest struct {
	id      int
	dev     *Aware
	spec    wifiaware.NetworkSpecifier
	cb      wifiaware.NetworkCallback
	matched *netRequest
}

// Aware creates a device's Aware manager on this medium
func (a *Air) Aware(address string) *Aware {
	d := &Aware{air: a, address: address, available: true}
	a.mu.Lock()
	a.aware[address] = d
	a.mu.Unlock()
	return d
}

// SetAvailable toggles the capability
func (d *Aware) SetAvailable(v bool) {
	d.air.mu.Lock()
	d.available = v
	d.air.mu.Unlock()
}

func (d *Aware) Available() bool {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	return d.available
}

func (d *Aware) Attach(fn func(wifiaware.AttachedSession, error)) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if !d.available || a.failLocked(OpAttach) {
		a.asyncLocked(func() { fn(nil, wifiaware.ErrNotAttached) })
		return
	}
	if d.attached != nil {
		d.attached.closeLocked()
	}
	att := &attachment{dev: d}
	d.attached = att
	a.asyncLocked(func() { fn(att, nil) })
}

func (d *Aware) RequestNetwork(spec wifiaware.NetworkSpecifier, cb wifiaware.NetworkCallback) int {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	req := &netRequest{id: a.nextID, dev: d, spec: spec, cb: cb}
	if a.failLocked(OpRequestNetwork) {
		if cb.Unavailable != nil {
			a.asyncLocked(cb.Unavailable)
		}
		return req.id
	}
	a.requests[req.id] = req

	for _, other := range a.requests {
		if other.matched != nil || other.dev.address != string(spec.Peer) {
			continue
		}
		if other.spec.Peer != wifiaware.PeerHandle(d.address) || other.spec.Publisher == spec.Publisher {
			continue
		}
		if other.spec.Passphrase != spec.Passphrase {
			continue
		}
		req.matched, other.matched = other, req
		pub, sub := req, other
		if !req.spec.Publisher {
			pub, sub = other, req
		}
		a.networkUpLocked(sub, wifiaware.PeerInfo{Address: Host, Port: pub.spec.Port})
		a.networkUpLocked(pub, wifiaware.PeerInfo{Address: Host})
		break
	}
	return req.id
}

func (d *Aware) ReleaseNetwork(id int) {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.requests[id]
	if !ok {
		return
	}
	delete(a.requests, id)
	if other := req.matched; other != nil {
		other.matched = nil
		if other.cb.Lost != nil {
			a.asyncLocked(other.cb.Lost)
		}
	}
}

func (a *Air) networkUpLocked(req *netRequest, info wifiaware.PeerInfo) {
	cb := req.cb
	a.asyncLocked(func() {
		if cb.Available != nil {
			cb.Available()
		}
		if cb.CapabilitiesChanged != nil {
			cb.CapabilitiesChanged(info)
		}
	})
}

func (att *attachment) Publish(service string, cb wifiaware.DiscoveryCallbacks) {
	att.start(true, service, cb)
}

func (att *attachment) Subscribe(service string, cb wifiaware.DiscoveryCallbacks) {
	att.start(false, service, cb)
}

// start opens a discovery session and matches it against the opposite
// sessions of every other device
func (att *attachment) start(publisher bool, service string, cb wifiaware.DiscoveryCallbacks) {
	a := att.dev.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if att.closed {
		if cb.Failed != nil {
			a.asyncLocked(func() { cb.Failed(wifiaware.ErrNotAttached) })
		}
		return
	}

	ds := &discovery{att: att, publisher: publisher, service: service, cb: cb}
	if publisher {
		if att.pub != nil {
			att.pub.closed = true
		}
		att.pub = ds
	} else {
		if att.sub != nil {
			att.sub.closed = true
		}
		att.sub = ds
	}
	if cb.Started != nil {
		a.asyncLocked(func() { cb.Started(ds) })
	}

	for _, other := range a.aware {
		if other == att.dev || other.attached == nil {
			continue
		}
		if publisher {
			if sub := other.attached.sub; sub.live(service) {
				sub.discoveredLocked(att.dev.address)
			}
		} else if pub := other.attached.pub; pub.live(service) {
			ds.discoveredLocked(other.address)
		}
	}
}

func (att *attachment) Close() {
	att.dev.air.mu.Lock()
	defer att.dev.air.mu.Unlock()
	att.closeLocked()
}

func (att *attachment) closeLocked() {
	att.closed = true
	if att.pub != nil {
		att.pub.closed = true
	}
	if att.sub != nil {
		att.sub.closed = true
	}
	if att.dev.attached == att {
		att.dev.attached = nil
	}
}

func (ds *discovery) live(service string) bool {
	return ds != nil && !ds.closed && ds.service == service
}

func (ds *discovery) discoveredLocked(publisher string) {
	if cb := ds.cb.ServiceDiscovered; cb != nil {
		ds.att.dev.air.asyncLocked(func() { cb(wifiaware.PeerHandle(publisher), nil) })
	}
}

// SendMessage delivers a follow-up to the peer's session of the opposite role
func (ds *discovery) SendMessage(peer wifiaware.PeerHandle, id int, msg []byte, done func(error)) {
	a := ds.att.dev.air
	a.mu.Lock()
	defer a.mu.Unlock()

	complete := func(err error) {
		if done != nil {
			a.asyncLocked(func() { done(err) })
		}
	}
	if ds.closed || a.failLocked(OpSendMessage) {
		complete(wifiaware.ErrNoSession)
		return
	}
	other, ok := a.aware[string(peer)]
	if !ok || other.attached == nil {
		complete(wifiaware.ErrNoSession)
		return
	}
	target := other.attached.pub
	if ds.publisher {
		target = other.attached.sub
	}
	if !target.live(ds.service) {
		complete(wifiaware.ErrNoSession)
		return
	}

	data := append([]byte(nil), msg...)
	from := wifiaware.PeerHandle(ds.att.dev.address)
	if cb := target.cb.MessageReceived; cb != nil {
		a.asyncLocked(func() { cb(from, data) })
	}
	complete(nil)
}

func (ds *discovery) Close() {
	a := ds.att.dev.air
	a.mu.Lock()
	ds.closed = true
	a.mu.Unlock()
}
