// Package ble is the bounded-MTU transport. Every device runs a GATT server
// holding the message characteristic and advertises it; devices scanning
// the advertisements connect as GATT clients, negotiate the MTU and
// subscribe to notifications. Records travel '%'-terminated and split into
// MTU-sized chunks: notifications from server to client, write commands
// from client to server.
//
// The radio is simulated: advertisements are files in each device's data
// dir and links are unix sockets carrying L2CAP packets.
package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/nearlink/events"
	"github.com/user/nearlink/framing"
	"github.com/user/nearlink/lifecycle"
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/peers"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/util"
	"github.com/user/nearlink/wire"
	"github.com/user/nearlink/wire/gatt"
)

// Stop stops advertising, stops scanning and closes the GATT server
const stopOps = 3

// Codec keys of the two link roles
const (
	serverKey = "s:"
	clientKey = "c:"
)

// Config tunes a session
type Config struct {
	// ScanInterval is the time between two advertisement scans
	ScanInterval time.Duration
	// MTU is the ATT MTU offered by the server and requested by the client
	MTU           int
	RetryInterval time.Duration
	RetryBurst    int
	// Available reports whether the radio can run here; nil checks that
	// the socket directory is usable
	Available func() bool
}

// DefaultConfig returns the settings used when a field is left zero
func DefaultConfig() Config {
	return Config{
		ScanInterval:  500 * time.Millisecond,
		MTU:           wire.MaxMTU,
		RetryInterval: time.Second,
		RetryBurst:    3,
	}
}

// Session is the BLE transport session
type Session struct {
	host     transport.Host
	cfg      Config
	prefix   string
	ctl      *lifecycle.Controller
	registry *peers.Registry
	retrier  *peers.Retrier
	codec    *framing.DelimiterCodec
	cccd     *gatt.CCCDManager

	unavailable transport.Unavailability

	// sendMu keeps the chunks of one record contiguous on every link
	sendMu sync.Mutex

	mu         sync.Mutex
	gen        uint64
	server     *wire.Wire
	client     *wire.Wire
	connecting map[string]bool
	retrying   bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an idle session
func New(host transport.Host, cfg Config, opts ...lifecycle.Option) *Session {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.MTU <= 0 || cfg.MTU > wire.MaxMTU {
		cfg.MTU = def.MTU
	}
	if cfg.MTU < wire.DefaultMTU {
		cfg.MTU = wire.DefaultMTU
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetryBurst == 0 {
		cfg.RetryBurst = def.RetryBurst
	}
	if cfg.Available == nil {
		cfg.Available = func() bool {
			_, err := util.GetSocketDir()
			return err == nil
		}
	}

	prefix := host.Prefix("BLE")
	opts = append([]lifecycle.Option{lifecycle.WithLogPrefix(prefix)}, opts...)
	return &Session{
		host:       host,
		cfg:        cfg,
		prefix:     prefix,
		ctl:        lifecycle.NewController(string(transport.BLE), opts...),
		registry:   peers.NewRegistry(),
		retrier:    peers.NewRetrier(cfg.RetryInterval, cfg.RetryBurst),
		codec:      framing.NewDelimiterCodec(),
		cccd:       gatt.NewCCCDManager(),
		connecting: make(map[string]bool),
	}
}

// Kind implements transport.Session
func (s *Session) Kind() transport.Kind {
	return transport.BLE
}

// State implements transport.Session
func (s *Session) State() lifecycle.State {
	return s.ctl.State()
}

// Controller exposes the state machine
func (s *Session) Controller() *lifecycle.Controller {
	return s.ctl
}

func (s *Session) wires() (server, client *wire.Wire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server, s.client
}

// Peers returns every device linked in either role, sorted
func (s *Session) Peers() []string {
	server, client := s.wires()
	seen := make(map[string]bool)
	var out []string
	for _, w := range []*wire.Wire{server, client} {
		if w == nil {
			continue
		}
		for _, p := range w.ConnectedPeers() {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Start opens the GATT server, advertises it and starts scanning
func (s *Session) Start(ctx context.Context) error {
	if !s.cfg.Available() {
		s.unavailable.Report(s.host, transport.BLE)
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
	socket, err := util.SocketPath(s.host.Address)
	if err != nil {
		s.ctl.BeginStop(0)
		return fmt.Errorf("ble socket: %w", err)
	}

	server := s.newServer(gen, socket)
	client := s.newClient(gen)
	if err := server.Start(); err != nil {
		s.ctl.BeginStop(0)
		return fmt.Errorf("gatt server: %w", err)
	}
	if err := s.advertise(socket); err != nil {
		server.Stop()
		s.ctl.BeginStop(0)
		return fmt.Errorf("advertise: %w", err)
	}

	s.server, s.client = server, client
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.scan(s.ctx, gen)

	logger.Info(s.prefix, "started, GATT server on %s", socket)
	return nil
}

// Stop runs the three teardown steps concurrently and returns once all
// completed and the session is Idle again
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
	server, client, cancel := s.server, s.client, s.cancel
	s.server, s.client, s.ctx, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	go func(done func()) {
		defer done()
		if err := wire.RemoveAdvertisement(s.host.Address); err != nil {
			logger.Debug(s.prefix, "remove advertisement: %v", err)
		}
	}(barrier.Op("stop advertising"))
	go func(done func()) {
		defer done()
		s.wg.Wait()
	}(barrier.Op("stop scanning"))
	go func(done func()) {
		defer done()
		if client != nil {
			client.Stop()
		}
		if server != nil {
			server.Stop()
		}
		s.cccd.Clear()
		s.codec.ResetAll()
	}(barrier.Op("close gatt server"))

	err := barrier.Wait(ctx)
	s.registry.Reset()
	s.host.Metrics.SetPeers(string(transport.BLE), 0)
	s.host.Hub.EmitConnection(events.NoInformation(string(transport.BLE), "stopped"))
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

// Broadcast sends m to every subscribed client and every server we are a
// client of, except the link it arrived on
func (s *Session) Broadcast(m message.Message, except relay.Source) int {
	server, client := s.wires()
	if server == nil || client == nil {
		return 0
	}
	data, err := message.Encode(m)
	if err != nil {
		logger.Warn(s.prefix, "failed to encode message %d: %v", m.ID, err)
		return 0
	}
	frame := s.codec.Encode(data)
	skip := transport.ExceptConn(transport.BLE, except)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	sent := 0
	for _, peer := range s.cccd.Subscribers(gatt.HandleCharValue) {
		if serverKey+peer == skip || !server.IsConnected(peer) {
			continue
		}
		if s.notify(server, peer, frame) {
			sent++
		} else {
			s.host.Metrics.SendFailed(string(transport.BLE))
		}
	}
	for _, peer := range client.ConnectedPeers() {
		if clientKey+peer == skip {
			continue
		}
		if s.writeValue(client, peer, frame) {
			sent++
		} else {
			s.host.Metrics.SendFailed(string(transport.BLE))
		}
	}
	if sent > 0 {
		logger.Debug(s.prefix, "broadcast message %d to %d links", m.ID, sent)
	}
	return sent
}

func (s *Session) countBytes(direction string, n int) {
	if direction == "in" {
		s.host.Metrics.BytesIn(string(transport.BLE), n)
	} else {
		s.host.Metrics.BytesOut(string(transport.BLE), n)
	}
}

func (s *Session) ingest(key string, chunk []byte) {
	src := relay.Source{Transport: string(transport.BLE), Conn: key}
	for _, frame := range s.codec.Feed(key, chunk) {
		s.host.Ingester.Ingest(frame, src)
	}
}

// linkUp runs on the dispatcher after either role connected
func (s *Session) linkUp(peer string, role wire.ConnectionRole) {
	s.ctl.Connected()
	linked := s.Peers()
	s.host.Metrics.SetPeers(string(transport.BLE), len(linked))
	logger.Info(s.prefix, "linked to %s as %s (%d devices)", logger.ShortID(peer), role, len(linked))
	s.host.Hub.EmitConnection(events.ConnectionInfo{
		Transport:   string(transport.BLE),
		Available:   true,
		Connected:   true,
		PeerAddress: peer,
		Peers:       linked,
	})
}

// linkDown runs on the dispatcher after either role lost a link. The peer
// is forgotten so the next scan that still sees it reconnects.
func (s *Session) linkDown(peer string) {
	s.registry.Forget(peer)
	linked := s.Peers()
	s.host.Metrics.SetPeers(string(transport.BLE), len(linked))
	logger.Info(s.prefix, "link to %s closed (%d devices left)", logger.ShortID(peer), len(linked))
	if len(linked) > 0 {
		s.host.Hub.EmitConnection(events.ConnectionInfo{
			Transport: string(transport.BLE),
			Available: true,
			Connected: true,
			Peers:     linked,
		})
		return
	}
	s.host.Hub.EmitConnection(events.NoInformation(string(transport.BLE), "connection lost"))
	s.ctl.PeersLost()
}
