package wifidirect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
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

// Stop runs four asynchronous teardown steps
const stopOps = 4

// Config tunes a session
type Config struct {
	// ListenAddress is where the data plane listens; the port actually
	// bound is published in the TXT record
	ListenAddress string
	// RetryInterval and RetryBurst pace connect retries
	RetryInterval time.Duration
	RetryBurst    int
}

// DefaultConfig returns the settings used when a field is left zero
func DefaultConfig() Config {
	return Config{
		ListenAddress: ":0",
		RetryInterval: 500 * time.Millisecond,
		RetryBurst:    3,
	}
}

// Session is the Wi-Fi Direct transport session
type Session struct {
	host     transport.Host
	driver   Driver
	cfg      Config
	prefix   string
	ctl      *lifecycle.Controller
	registry *peers.Registry
	retrier  *peers.Retrier

	unavailable transport.Unavailability

	mu       sync.Mutex
	gen      uint64 // bumped on every start and stop; stale callbacks compare it
	link     *transport.StreamLink
	service  *LocalService
	sawInfo  bool
	retrying bool
	ctx      context.Context
	cancel   context.CancelFunc
	dialing  map[string]bool
	wg       sync.WaitGroup
}

// New creates an idle session
func New(host transport.Host, driver Driver, cfg Config, opts ...lifecycle.Option) *Session {
	def := DefaultConfig()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetryBurst == 0 {
		cfg.RetryBurst = def.RetryBurst
	}

	prefix := host.Prefix("WiFiDirect")
	opts = append([]lifecycle.Option{lifecycle.WithLogPrefix(prefix)}, opts...)
	return &Session{
		host:     host,
		driver:   driver,
		cfg:      cfg,
		prefix:   prefix,
		ctl:      lifecycle.NewController(string(transport.WiFiDirect), opts...),
		registry: peers.NewRegistry(),
		retrier:  peers.NewRetrier(cfg.RetryInterval, cfg.RetryBurst),
		dialing:  make(map[string]bool),
	}
}

// Kind implements transport.Session
func (s *Session) Kind() transport.Kind {
	return transport.WiFiDirect
}

// State implements transport.Session
func (s *Session) State() lifecycle.State {
	return s.ctl.State()
}

// Controller exposes the state machine (for observers)
func (s *Session) Controller() *lifecycle.Controller {
	return s.ctl
}

// Registry exposes the peer registry
func (s *Session) Registry() *peers.Registry {
	return s.registry
}

// Peers returns the connected data plane peers
func (s *Session) Peers() []string {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return nil
	}
	return link.Peers()
}

// Broadcast implements transport.Session
func (s *Session) Broadcast(m message.Message, except relay.Source) int {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return 0
	}
	return link.Broadcast(m, except)
}

// Start registers the local service and begins peer and service discovery.
// If a previous Stop is still tearing down it waits for it first.
func (s *Session) Start(ctx context.Context) error {
	if !s.driver.Available() {
		s.unavailable.Report(s.host, transport.WiFiDirect)
		return nil
	}
	if proceed, err := transport.StartResult(s.prefix, s.ctl.Start(ctx)); !proceed {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop may have begun between the controller start and here
	if s.ctl.State() != lifecycle.Discovering {
		return nil
	}

	s.gen++
	gen := s.gen
	link := transport.NewStreamLink(transport.WiFiDirect, s.host, transport.StreamConfig{
		ListenAddress: s.cfg.ListenAddress,
		OnConnect: func(peerID string, role wire.ConnectionRole) {
			s.post(gen, func() { s.dataConnected(peerID, role) })
		},
		OnDisconnect: func(peerID string) {
			s.post(gen, func() { s.dataDisconnected(gen, peerID) })
		},
	})
	if err := link.Start(); err != nil {
		s.abortStart()
		return fmt.Errorf("wifi direct data plane: %w", err)
	}
	if err := s.driver.Initialize(s.driverEvents(gen)); err != nil {
		link.Stop()
		s.abortStart()
		return fmt.Errorf("wifi direct initialize: %w", err)
	}

	s.link = link
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sawInfo = false
	svc := LocalService{
		Instance: ServiceInstance,
		Type:     ServiceType,
		TXT:      map[string]string{PortKey: strconv.Itoa(link.Port())},
	}
	s.service = &svc

	s.driver.AddLocalService(svc, s.logged(gen, "add local service", nil))
	s.driver.AddServiceRequest(s.logged(gen, "add service request", nil))
	s.discoverPeers(gen)

	logger.Info(s.prefix, "started, data plane on port %d", link.Port())
	return nil
}

// abortStart returns the controller to Idle after a failed start
func (s *Session) abortStart() {
	s.ctl.BeginStop(0)
}

// Stop tears the session down: remove the group, the local service, the
// service request, and stop peer discovery. It returns once all four
// completed (successfully or not) and the session is Idle again.
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
	link, svc, cancel := s.link, s.service, s.cancel
	s.link, s.service, s.ctx, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	groupDone := barrier.Op("remove group")
	s.driver.RequestGroupInfo(func(g *Group) {
		if g == nil {
			groupDone()
			return
		}
		s.driver.RemoveGroup(s.teardownStep("remove group", groupDone))
	})
	if svc != nil {
		s.driver.RemoveLocalService(*svc, s.teardownStep("remove local service", barrier.Op("remove local service")))
	} else {
		barrier.Op("remove local service")()
	}
	s.driver.RemoveServiceRequest(s.teardownStep("remove service request", barrier.Op("remove service request")))
	s.driver.StopPeerDiscovery(s.teardownStep("stop peer discovery", barrier.Op("stop peer discovery")))

	if link != nil {
		link.Stop()
	}
	s.wg.Wait()
	s.registry.Reset()

	err := barrier.Wait(ctx)
	if err == nil {
		if cerr := s.driver.Close(); cerr != nil {
			logger.Debug(s.prefix, "driver close: %v", cerr)
		}
	}
	s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiDirect), "stopped"))
	logger.Info(s.prefix, "stopped")
	return err
}

func (s *Session) teardownStep(name string, done func()) ActionListener {
	return func(err error) {
		if err != nil {
			logger.Debug(s.prefix, "%s failed during stop: %v", name, err)
		}
		done()
	}
}

// post runs fn on the dispatcher unless the session was restarted or
// stopped since gen was taken
func (s *Session) post(gen uint64, fn func()) {
	s.host.Hub.Post(func() {
		s.mu.Lock()
		current := s.gen == gen
		s.mu.Unlock()
		if current {
			fn()
		}
	})
}

func (s *Session) logged(gen uint64, action string, onSuccess func()) ActionListener {
	return func(err error) {
		s.post(gen, func() {
			if err != nil {
				logger.Warn(s.prefix, "%s failed: %v", action, err)
				return
			}
			logger.Debug(s.prefix, "%s succeeded", action)
			if onSuccess != nil {
				onSuccess()
			}
		})
	}
}

func (s *Session) driverEvents(gen uint64) Events {
	return Events{
		PeersChanged: func() {
			s.post(gen, func() { s.requestPeers(gen) })
		},
		ConnectionChanged: func(connected bool) {
			s.post(gen, func() {
				if !connected {
					logger.Debug(s.prefix, "p2p connection changed: disconnected")
					return
				}
				s.driver.RequestConnectionInfo(func(info Info) {
					s.post(gen, func() { s.connectionInfo(gen, info) })
				})
			})
		},
		ServiceAvailable: func(instance, serviceType string, dev Device) {
			s.post(gen, func() {
				if !strings.EqualFold(instance, ServiceInstance) {
					return
				}
				s.serviceFound(gen, peers.Peer{Address: dev.Address, Name: dev.Name, Service: true})
			})
		},
		TXTRecordAvailable: func(fullDomain string, record map[string]string, dev Device) {
			s.post(gen, func() {
				if !matchesTXTDomain(fullDomain) {
					return
				}
				s.serviceFound(gen, peers.Peer{Address: dev.Address, Name: dev.Name, Service: true, Meta: record})
			})
		},
	}
}

// matchesTXTDomain accepts the short domain and the full DNS-SD name of
// our service instance
func matchesTXTDomain(domain string) bool {
	d := strings.ToLower(strings.TrimSuffix(domain, "."))
	return d == TXTDomain || strings.HasPrefix(d, ServiceInstance+".")
}

func (s *Session) discoverPeers(gen uint64) {
	s.driver.DiscoverPeers(s.logged(gen, "discover peers", func() {
		s.driver.DiscoverServices(s.logged(gen, "discover services", nil))
	}))
}

func (s *Session) requestPeers(gen uint64) {
	s.driver.RequestPeers(func(devs []Device) {
		s.post(gen, func() { s.peersAvailable(gen, devs) })
	})
}

// serviceFound handles either discovery signal. A peer that only now
// matches may already be on the raw list, so the list is re-evaluated.
func (s *Session) serviceFound(gen uint64, p peers.Peer) {
	if s.registry.ServiceFound(p) {
		logger.Debug(s.prefix, "service found on %s (%s)", p.Name, p.Address)
		s.requestPeers(gen)
	}
}

// peersAvailable applies a fresh raw peer list. Only a changed matching set
// triggers a connect; an empty one triggers self-heal.
func (s *Session) peersAvailable(gen uint64, devs []Device) {
	raw := make([]peers.Peer, 0, len(devs))
	for _, d := range devs {
		raw = append(raw, peers.Peer{Address: d.Address, Name: d.Name})
	}
	filtered, changed := s.registry.UpdatePeers(raw)
	logger.Debug(s.prefix, "peer list: %d raw, %d offering the service (changed=%v)",
		len(raw), len(filtered), changed)

	if len(filtered) == 0 {
		s.selfHeal(gen)
		return
	}
	if changed {
		s.ctl.PeersAvailable()
		s.connectBest(gen)
	}
}

// selfHeal runs when no peer offers the service any more while started.
// After a connection the group is torn down before discovery restarts.
func (s *Session) selfHeal(gen uint64) {
	s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiDirect), "no peers"))
	hadConnection, _ := s.ctl.PeersLost()

	s.mu.Lock()
	sawInfo := s.sawInfo
	s.sawInfo = false
	link := s.link
	s.mu.Unlock()
	if !hadConnection && !sawInfo {
		return
	}

	logger.Info(s.prefix, "peers gone after a connection, restarting discovery")
	if link != nil {
		link.DisconnectAll()
	}
	s.rediscover(gen)
}

// rediscover removes the group if one is still formed, then restarts peer
// discovery. Connect against a surviving group completes without a
// connection change, so no data plane would follow.
func (s *Session) rediscover(gen uint64) {
	s.driver.RequestGroupInfo(func(g *Group) {
		s.post(gen, func() {
			if g == nil {
				s.discoverPeers(gen)
				return
			}
			logger.Debug(s.prefix, "removing group owned by %s", logger.ShortID(g.Owner))
			s.driver.RemoveGroup(func(err error) {
				s.post(gen, func() {
					if err != nil {
						logger.Warn(s.prefix, "failed to remove group: %v", err)
					}
					s.discoverPeers(gen)
				})
			})
		})
	})
}

// connectBest asks the driver to connect to the most recently added
// matching peer
func (s *Session) connectBest(gen uint64) {
	best, ok := s.registry.Best()
	if !ok {
		return
	}
	if s.ctl.State() == lifecycle.Active {
		return
	}

	logger.Info(s.prefix, "connecting to %s (%s)", best.Name, best.Address)
	s.driver.Connect(best.Address, func(err error) {
		s.post(gen, func() {
			if err == nil {
				// The connection-changed event carries the rest
				return
			}
			logger.Warn(s.prefix, "connect to %s failed, retrying: %v", best.Address, err)
			s.ctl.ConnectFailed()
			s.retry(gen)
		})
	})
}

// retry schedules one more connect attempt, paced by the retrier
func (s *Session) retry(gen uint64) {
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
			s.connectBest(gen)
		})
	}()
}

// connectionInfo handles the group state after a connection change. The
// owner already accepts on its data plane; a client dials the owner.
func (s *Session) connectionInfo(gen uint64, info Info) {
	s.mu.Lock()
	s.sawInfo = true
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return
	}

	if !info.GroupFormed {
		s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiDirect), "no group"))
		return
	}

	s.host.Hub.EmitConnection(events.ConnectionInfo{
		Transport:         string(transport.WiFiDirect),
		Available:         true,
		Connected:         len(link.Peers()) > 0,
		GroupFormed:       true,
		IsGroupOwner:      info.IsGroupOwner,
		GroupOwnerAddress: info.GroupOwnerAddress,
		Port:              link.Port(),
		Peers:             link.Peers(),
	})
	if info.IsGroupOwner {
		logger.Info(s.prefix, "group formed, we are the owner")
		return
	}
	s.dialOwner(gen, link, info)
}

func (s *Session) dialOwner(gen uint64, link *transport.StreamLink, info Info) {
	owner := info.GroupOwner
	if link.IsConnected(owner) {
		return
	}

	port := DefaultPort
	if p, ok := s.registry.Lookup(owner); ok {
		if v, err := strconv.Atoi(p.Meta[PortKey]); err == nil && v > 0 {
			port = v
		}
	}
	address := net.JoinHostPort(info.GroupOwnerAddress, strconv.Itoa(port))

	s.mu.Lock()
	if s.link != link || s.dialing[owner] {
		s.mu.Unlock()
		return
	}
	s.dialing[owner] = true
	s.wg.Add(1)
	s.mu.Unlock()

	// Dialing blocks, so it runs off the dispatcher
	go func() {
		defer s.wg.Done()
		_, err := link.Connect(owner, address)

		s.mu.Lock()
		delete(s.dialing, owner)
		s.mu.Unlock()
		if err != nil {
			s.post(gen, func() {
				logger.Warn(s.prefix, "data plane connect to %s failed: %v", address, err)
				s.ctl.ConnectFailed()
				s.retry(gen)
			})
		}
	}()
}

func (s *Session) dataConnected(peerID string, role wire.ConnectionRole) {
	s.ctl.Connected()
	peersNow := s.Peers()
	logger.Info(s.prefix, "data plane connected to %s as %s (%d peers)", logger.ShortID(peerID), role, len(peersNow))
	s.host.Hub.EmitConnection(events.ConnectionInfo{
		Transport:    string(transport.WiFiDirect),
		Available:    true,
		Connected:    true,
		GroupFormed:  true,
		IsGroupOwner: role == wire.RoleResponder,
		PeerAddress:  peerID,
		Peers:        peersNow,
	})
}

// dataDisconnected handles a lost data plane connection. When the last one
// goes the peer is forgotten, the group removed and discovery restarted, so
// the peer is reconnected once it is seen again.
func (s *Session) dataDisconnected(gen uint64, peerID string) {
	remaining := s.Peers()
	logger.Info(s.prefix, "data plane lost %s (%d peers left)", logger.ShortID(peerID), len(remaining))
	if len(remaining) > 0 {
		s.host.Hub.EmitConnection(events.ConnectionInfo{
			Transport: string(transport.WiFiDirect),
			Available: true,
			Connected: true,
			Peers:     remaining,
		})
		return
	}

	s.host.Hub.EmitConnection(events.NoInformation(string(transport.WiFiDirect), "connection lost"))
	s.registry.Forget(peerID)
	s.mu.Lock()
	s.sawInfo = false
	s.mu.Unlock()
	if _, ok := s.ctl.PeersLost(); ok {
		s.rediscover(gen)
	}
}
