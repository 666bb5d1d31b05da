package wifiaware

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/user/nearlink/events"
	"github.com/user/nearlink/lifecycle"
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/peers"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/wire"
)

// Stop closes the publish session, the subscribe session, releases the
// network requests and detaches
const stopOps = 4

// Config tunes a session
type Config struct {
	// ListenAddress is where the publisher's data path socket is pre-bound
	ListenAddress string
	Passphrase    string
	RetryInterval time.Duration
	RetryBurst    int
}

// DefaultConfig returns the settings used when a field is left zero
func DefaultConfig() Config {
	return Config{
		ListenAddress: ":0",
		Passphrase:    Passphrase,
		RetryInterval: 500 * time.Millisecond,
		RetryBurst:    3,
	}
}

// Session is the Wi-Fi Aware transport session
type Session struct {
	host     transport.Host
	driver   Driver
	cfg      Config
	prefix   string
	auth     *PSKAuth
	ctl      *lifecycle.Controller
	registry *peers.Registry
	retrier  *peers.Retrier

	unavailable transport.Unavailability

	mu       sync.Mutex
	gen      uint64
	link     *transport.StreamLink
	attached AttachedSession
	pub      DiscoverySession
	sub      DiscoverySession
	requests map[PeerHandle]int // network request ids
	pending  map[PeerHandle]bool
	retrying bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an idle session
func New(host transport.Host, driver Driver, cfg Config, opts ...lifecycle.Option) *Session {
	def := DefaultConfig()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.Passphrase == "" {
		cfg.Passphrase = def.Passphrase
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetryBurst == 0 {
		cfg.RetryBurst = def.RetryBurst
	}

	prefix := host.Prefix("WiFiAware")
	opts = append([]lifecycle.Option{lifecycle.WithLogPrefix(prefix)}, opts...)
	return &Session{
		host:     host,
		driver:   driver,
		cfg:      cfg,
		prefix:   prefix,
		auth:     NewPSKAuth(cfg.Passphrase, ServiceName),
		ctl:      lifecycle.NewController(string(transport.WiFiAware), opts...),
		registry: peers.NewRegistry(),
		retrier:  peers.NewRetrier(cfg.RetryInterval, cfg.RetryBurst),
		requests: make(map[PeerHandle]int),
		pending:  make(map[PeerHandle]bool),
	}
}

// Kind implements transport.Session
func (s *Session) Kind() transport.Kind {
	return transport.WiFiAware
}

// State implements transport.Session
func (s *Session) State() lifecycle.State {
	return s.ctl.State()
}

// Controller exposes the state machine
func (s *Session) Controller() *lifecycle.Controller {
	return s.ctl
}

// Peers returns the connected data path peers
func (s *Session) Peers() []string {
	if link := s.currentLink(); link != nil {
		return link.Peers()
	}
	return nil
}

// Broadcast implements transport.Session
func (s *Session) Broadcast(m message.Message, except relay.Source) int {
	if link := s.currentLink(); link != nil {
		return link.Broadcast(m, except)
	}
	return 0
}

func (s *Session) currentLink() *transport.StreamLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Start pre-binds the data path socket and attaches; publishing and
// subscribing begin once the attach completes
func (s *Session) Start(ctx context.Context) error {
	if !s.driver.Available() {
		s.unavailable.Report(s.host, transport.WiFiAware)
		return nil
	}
	if proceed, err := transport.StartResult(s.prefix, s.ctl.Start(ctx)); !proceed {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctl.State() != lifecycle.Discovering {
		return nil
	}

	s.gen++
	gen := s.gen
	link := transport.NewStreamLink(transport.WiFiAware, s.host, transport.StreamConfig{
		ListenAddress: s.cfg.ListenAddress,
		Auth:          s.auth,
		OnConnect: func(peerID string, role wire.ConnectionRole) {
			s.post(gen, func() { s.dataConnected(peerID, role) })
		},
		OnDisconnect: func(peerID string) {
			s.post(gen, func() { s.dataDisconnected(gen, peerID) })
		},
	})
	if err := link.Start(); err != nil {
		s.ctl.BeginStop(0)
		return fmt.Errorf("wifi aware data path: %w", err)
	}
	s.link = link
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.driver.Attach(func(as AttachedSession, err error) {
		s.host.Hub.Post(func() {
			if !s.current(gen) {
				if as != nil {
					as.Close()
				}
				return
			}
			if err != nil {
				logger.Warn(s.prefix, "attach failed: %v", err)
				s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiAware), "attach failed"))
				return
			}
			s.attachedOK(gen, as)
		})
	})

	logger.Info(s.prefix, "started, data path socket on port %d", link.Port())
	return nil
}

// Stop closes both discovery sessions, releases every network request and
// detaches, then waits until all four completed
func (s *Session) Stop(ctx context.Context) error {
	barrier, ok := s.ctl.BeginStop(stopOps)
	if !ok {
		if barrier != nil {
			return barrier.Wait(ctx)
		}
		return nil
	}

	s.mu.Lock()
	s.gen++
	link, attached, pub, sub, cancel := s.link, s.attached, s.pub, s.sub, s.cancel
	requests := make([]int, 0, len(s.requests))
	for _, id := range s.requests {
		requests = append(requests, id)
	}
	s.link, s.attached, s.pub, s.sub, s.ctx, s.cancel = nil, nil, nil, nil, nil, nil
	s.requests = make(map[PeerHandle]int)
	s.pending = make(map[PeerHandle]bool)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	closeSession := func(ds DiscoverySession, done func()) {
		defer done()
		if ds != nil {
			ds.Close()
		}
	}
	go closeSession(pub, barrier.Op("close publish session"))
	go closeSession(sub, barrier.Op("close subscribe session"))
	go func(done func()) {
		defer done()
		for _, id := range requests {
			s.driver.ReleaseNetwork(id)
		}
	}(barrier.Op("release networks"))
	go func(done func()) {
		defer done()
		if attached != nil {
			attached.Close()
		}
	}(barrier.Op("detach"))

	if link != nil {
		link.Stop()
	}
	s.wg.Wait()
	s.registry.Reset()

	err := barrier.Wait(ctx)
	s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiAware), "stopped"))
	logger.Info(s.prefix, "stopped")
	return err
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) post(gen uint64, fn func()) {
	s.host.Hub.Post(func() {
		if s.current(gen) {
			fn()
		}
	})
}

// postSession hands a started discovery session to fn, or closes it if the
// session stopped in the meantime
func (s *Session) postSession(gen uint64, ds DiscoverySession, fn func()) {
	s.host.Hub.Post(func() {
		if !s.current(gen) {
			ds.Close()
			return
		}
		fn()
	})
}

func (s *Session) attachedOK(gen uint64, as AttachedSession) {
	logger.Debug(s.prefix, "attached")
	s.mu.Lock()
	s.attached = as
	s.mu.Unlock()

	as.Publish(ServiceName, DiscoveryCallbacks{
		Started: func(ds DiscoverySession) {
			s.postSession(gen, ds, func() {
				logger.Debug(s.prefix, "publish started")
				s.mu.Lock()
				s.pub = ds
				s.mu.Unlock()
			})
		},
		Failed: func(err error) {
			s.post(gen, func() { logger.Warn(s.prefix, "publish failed: %v", err) })
		},
		MessageReceived: func(peer PeerHandle, msg []byte) {
			s.post(gen, func() { s.publisherMessage(gen, peer, msg) })
		},
	})
	s.subscribe(gen, as)
}

func (s *Session) subscribe(gen uint64, as AttachedSession) {
	as.Subscribe(ServiceName, DiscoveryCallbacks{
		Started: func(ds DiscoverySession) {
			s.postSession(gen, ds, func() {
				logger.Debug(s.prefix, "subscribe started")
				s.mu.Lock()
				s.sub = ds
				s.mu.Unlock()
				// Publishers discovered before the session reported started
				s.requestBest(gen)
			})
		},
		Failed: func(err error) {
			s.post(gen, func() { logger.Warn(s.prefix, "subscribe failed: %v", err) })
		},
		ServiceDiscovered: func(peer PeerHandle, info []byte) {
			s.post(gen, func() { s.discovered(gen, peer) })
		},
		MessageReceived: func(peer PeerHandle, msg []byte) {
			s.post(gen, func() { s.subscriberMessage(gen, peer, msg) })
		},
	})
}

// discovered records a publisher. Of every pair of devices only the one
// with the smaller address asks for a session, so a pair never builds two
// data paths.
func (s *Session) discovered(gen uint64, peer PeerHandle) {
	if !s.registry.ServiceFound(peers.Peer{Address: string(peer), Service: true}) {
		return
	}
	logger.Debug(s.prefix, "discovered publisher %s", logger.ShortID(string(peer)))
	if string(peer) < s.host.Address {
		return
	}
	s.ctl.PeersAvailable()
	s.requestBest(gen)
}

// target picks the most recently discovered publisher we initiate to and
// are not already connected or talking to
func (s *Session) target() (PeerHandle, bool) {
	connected := make(map[string]bool)
	for _, p := range s.Peers() {
		connected[p] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.registry.Snapshot() {
		h := PeerHandle(p.Address)
		if p.Address > s.host.Address && !connected[p.Address] && !s.pending[h] {
			return h, true
		}
	}
	return "", false
}

func (s *Session) requestBest(gen uint64) {
	peer, ok := s.target()
	if !ok {
		return
	}

	s.mu.Lock()
	sub := s.sub
	if sub == nil {
		s.mu.Unlock()
		return
	}
	s.pending[peer] = true
	s.mu.Unlock()

	data, err := EncodeFollowUp(FollowUp{Type: SessionRequest, Address: s.host.Address})
	if err != nil {
		logger.Error(s.prefix, "encode session request: %v", err)
		return
	}
	logger.Info(s.prefix, "requesting a session from %s", logger.ShortID(string(peer)))
	sub.SendMessage(peer, 0, data, func(err error) {
		if err == nil {
			return
		}
		s.post(gen, func() {
			logger.Warn(s.prefix, "session request to %s failed: %v", logger.ShortID(string(peer)), err)
			s.connectFailed(gen, peer)
		})
	})
}

func (s *Session) publisherMessage(gen uint64, peer PeerHandle, msg []byte) {
	f, err := DecodeFollowUp(msg)
	if err != nil {
		logger.Debug(s.prefix, "ignoring follow-up from %s: %v", logger.ShortID(string(peer)), err)
		return
	}
	if st := followUpStruct(msg); st != nil {
		logger.TraceJSON(s.prefix, "publisher follow-up", st)
	}
	if f.Type != SessionRequest {
		return
	}

	s.mu.Lock()
	pub, link := s.pub, s.link
	s.mu.Unlock()
	if pub == nil || link == nil {
		return
	}

	s.requestNetwork(gen, peer, true)
	reply, err := EncodeFollowUp(FollowUp{Type: SessionAccepted, Address: s.host.Address, Port: link.Port()})
	if err != nil {
		logger.Error(s.prefix, "encode session accepted: %v", err)
		return
	}
	pub.SendMessage(peer, 0, reply, func(err error) {
		if err != nil {
			s.post(gen, func() { logger.Warn(s.prefix, "session accepted to %s failed: %v", logger.ShortID(string(peer)), err) })
		}
	})
}

func (s *Session) subscriberMessage(gen uint64, peer PeerHandle, msg []byte) {
	f, err := DecodeFollowUp(msg)
	if err != nil || f.Type != SessionAccepted {
		return
	}
	s.registry.ServiceFound(peers.Peer{
		Address: string(peer),
		Service: true,
		Meta:    map[string]string{"port": strconv.Itoa(f.Port)},
	})
	logger.Debug(s.prefix, "session accepted by %s", logger.ShortID(string(peer)))
	s.requestNetwork(gen, peer, false)
}

func (s *Session) requestNetwork(gen uint64, peer PeerHandle, publisher bool) {
	s.mu.Lock()
	if _, ok := s.requests[peer]; ok {
		s.mu.Unlock()
		return
	}
	port := 0
	if publisher && s.link != nil {
		port = s.link.Port()
	}
	// Reserve the slot; RequestNetwork never calls back synchronously
	s.requests[peer] = -1
	s.mu.Unlock()

	spec := NetworkSpecifier{Peer: peer, Publisher: publisher, Passphrase: s.cfg.Passphrase, Port: port}
	id := s.driver.RequestNetwork(spec, NetworkCallback{
		Available: func() {
			s.post(gen, func() { logger.Debug(s.prefix, "network to %s available", logger.ShortID(string(peer))) })
		},
		CapabilitiesChanged: func(info PeerInfo) {
			s.post(gen, func() { s.capabilities(gen, peer, publisher, info) })
		},
		Lost: func() {
			s.post(gen, func() { s.networkLost(gen, peer) })
		},
		Unavailable: func() {
			s.post(gen, func() {
				logger.Warn(s.prefix, "network to %s unavailable", logger.ShortID(string(peer)))
				s.connectFailed(gen, peer)
			})
		},
	})

	s.mu.Lock()
	if cur, ok := s.requests[peer]; ok && cur == -1 && s.gen == gen {
		s.requests[peer] = id
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// Stopped or released while requesting
	s.driver.ReleaseNetwork(id)
}

func (s *Session) releaseNetwork(peer PeerHandle) {
	s.mu.Lock()
	id, ok := s.requests[peer]
	delete(s.requests, peer)
	delete(s.pending, peer)
	s.mu.Unlock()
	if ok && id >= 0 {
		s.driver.ReleaseNetwork(id)
	}
}

// capabilities reports the data path and, on the subscriber, dials the
// publisher's socket
func (s *Session) capabilities(gen uint64, peer PeerHandle, publisher bool, info PeerInfo) {
	link := s.currentLink()
	if link == nil {
		return
	}
	port := info.Port
	if publisher {
		port = link.Port()
	}
	s.host.Hub.EmitConnection(events.ConnectionInfo{
		Transport:   string(transport.WiFiAware),
		Available:   true,
		Connected:   len(link.Peers()) > 0,
		PeerAddress: info.Address,
		Port:        port,
		Peers:       link.Peers(),
	})
	if publisher || link.IsConnected(string(peer)) {
		return
	}

	address := net.JoinHostPort(info.Address, strconv.Itoa(info.Port))
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if _, err := link.Connect(string(peer), address); err != nil {
			s.post(gen, func() {
				logger.Warn(s.prefix, "data path connect to %s failed: %v", address, err)
				s.connectFailed(gen, peer)
			})
		}
	}()
}

// connectFailed drops the attempt and retries against the best publisher
func (s *Session) connectFailed(gen uint64, peer PeerHandle) {
	s.releaseNetwork(peer)
	s.ctl.ConnectFailed()

	s.mu.Lock()
	if s.retrying || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.retrier.Wait(ctx)
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
		if err != nil {
			return
		}
		s.post(gen, func() {
			s.ctl.PeersAvailable()
			s.requestBest(gen)
		})
	}()
}

func (s *Session) networkLost(gen uint64, peer PeerHandle) {
	logger.Info(s.prefix, "network to %s lost", logger.ShortID(string(peer)))
	s.releaseNetwork(peer)
	if link := s.currentLink(); link != nil && link.IsConnected(string(peer)) {
		// The read loop notices and dataDisconnected self-heals
		link.Disconnect(string(peer))
		return
	}
	s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiAware), "network lost"))
	s.heal(gen, peer)
}

func (s *Session) dataConnected(peerID string, role wire.ConnectionRole) {
	s.mu.Lock()
	delete(s.pending, PeerHandle(peerID))
	s.mu.Unlock()

	s.ctl.Connected()
	logger.Info(s.prefix, "data path connected to %s as %s", logger.ShortID(peerID), role)
	s.host.Hub.EmitConnection(events.ConnectionInfo{
		Transport:   string(transport.WiFiAware),
		Available:   true,
		Connected:   true,
		PeerAddress: peerID,
		Peers:       s.Peers(),
	})
}

func (s *Session) dataDisconnected(gen uint64, peerID string) {
	peer := PeerHandle(peerID)
	s.releaseNetwork(peer)

	remaining := s.Peers()
	logger.Info(s.prefix, "data path to %s closed (%d left)", logger.ShortID(peerID), len(remaining))
	if len(remaining) > 0 {
		s.host.Hub.EmitConnection(events.ConnectionInfo{
			Transport: string(transport.WiFiAware),
			Available: true,
			Connected: true,
			Peers:     remaining,
		})
		return
	}
	s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiAware), "connection lost"))
	s.heal(gen, peer)
}

// heal forgets the peer and, with no connection left, returns to
// discovery by re-subscribing so publishers are reported again
func (s *Session) heal(gen uint64, peer PeerHandle) {
	s.registry.Forget(string(peer))
	if len(s.Peers()) > 0 {
		return
	}
	if _, ok := s.ctl.PeersLost(); !ok && s.ctl.State() != lifecycle.Discovering {
		return
	}

	s.mu.Lock()
	as, sub := s.attached, s.sub
	s.sub = nil
	s.mu.Unlock()
	if as == nil {
		return
	}
	if sub != nil {
		sub.Close()
	}
	logger.Debug(s.prefix, "re-subscribing")
	s.subscribe(gen, as)
}
