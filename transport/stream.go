package transport

import (
	"sync"

	"github.com/user/nearlink/framing"
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/wire"
)

// StreamConfig configures a StreamLink
type StreamConfig struct {
	// ListenAddress is the tcp listen address; empty makes a dial-only link
	ListenAddress string
	Auth          wire.Authenticator
	// OnConnect and OnDisconnect run on wire goroutines and must not block
	OnConnect    func(peerID string, role wire.ConnectionRole)
	OnDisconnect func(peerID string)
}

// StreamLink is the TCP data plane of a Wi-Fi transport: back-to-back JSON
// records on a plain stream, split by one BoundaryCodec per connection.
type StreamLink struct {
	kind   Kind
	host   Host
	cfg    StreamConfig
	prefix string
	wire   *wire.Wire

	mu     sync.Mutex
	codecs map[string]*framing.BoundaryCodec
}

// NewStreamLink creates a link; nothing is opened until Start or Connect
func NewStreamLink(kind Kind, host Host, cfg StreamConfig) *StreamLink {
	l := &StreamLink{
		kind:   kind,
		host:   host,
		cfg:    cfg,
		prefix: host.Prefix(string(kind) + " data"),
		codecs: make(map[string]*framing.BoundaryCodec),
	}

	l.wire = wire.New(wire.Config{
		LocalID:       host.Address,
		Network:       "tcp",
		ListenAddress: cfg.ListenAddress,
		Framing:       wire.Stream,
		Auth:          cfg.Auth,
		EventLog:      host.EventLog,
		LogPrefix:     l.prefix,
		OnBytes:       l.countBytes,
	})
	l.wire.SetDataHandler(l.handleData)
	l.wire.SetConnectCallback(l.handleConnect)
	l.wire.SetDisconnectCallback(l.handleDisconnect)
	return l
}

// Start opens the listener (if any)
func (l *StreamLink) Start() error {
	return l.wire.Start()
}

// Port returns the listening port, or 0
func (l *StreamLink) Port() int {
	return l.wire.Port()
}

// Connect dials a peer's data plane
func (l *StreamLink) Connect(peerID, address string) (string, error) {
	return l.wire.Connect(peerID, address)
}

// IsConnected reports whether a peer is connected
func (l *StreamLink) IsConnected(peerID string) bool {
	return l.wire.IsConnected(peerID)
}

// Peers returns the connected peer ids
func (l *StreamLink) Peers() []string {
	return l.wire.ConnectedPeers()
}

// Disconnect drops one peer's connection
func (l *StreamLink) Disconnect(peerID string) {
	l.wire.Disconnect(peerID)
}

// DisconnectAll drops every connection but keeps listening
func (l *StreamLink) DisconnectAll() {
	for _, peer := range l.wire.ConnectedPeers() {
		l.wire.Disconnect(peer)
	}
}

// Broadcast writes m to every connection except the one it came from.
// Every record is one Write, so concurrent broadcasts never interleave
// within a record.
func (l *StreamLink) Broadcast(m message.Message, except relay.Source) int {
	data, err := message.Encode(m)
	if err != nil {
		logger.Warn(l.prefix, "failed to encode message %d: %v", m.ID, err)
		return 0
	}

	skip := ExceptConn(l.kind, except)
	targets := 0
	for _, peer := range l.wire.ConnectedPeers() {
		if peer != skip {
			targets++
		}
	}

	sent := l.wire.Broadcast(data, skip)
	for i := sent; i < targets; i++ {
		l.host.Metrics.SendFailed(string(l.kind))
	}
	if sent > 0 {
		logger.Debug(l.prefix, "broadcast message %d to %d peers", m.ID, sent)
	}
	return sent
}

// Stop closes every socket and joins the link's goroutines
func (l *StreamLink) Stop() {
	l.wire.Stop()

	l.mu.Lock()
	l.codecs = make(map[string]*framing.BoundaryCodec)
	l.mu.Unlock()
}

func (l *StreamLink) handleData(peerID string, data []byte) {
	l.mu.Lock()
	codec, ok := l.codecs[peerID]
	if !ok {
		codec = framing.NewBoundaryCodec()
		l.codecs[peerID] = codec
	}
	l.mu.Unlock()

	// Only this peer's read loop feeds its codec
	src := relay.Source{Transport: string(l.kind), Conn: peerID}
	for _, frame := range codec.Feed(data) {
		l.host.Ingester.Ingest(frame, src)
	}
	if n := codec.Buffered(); n > 0 {
		logger.Trace(l.prefix, "%d bytes of a partial record from %s", n, logger.ShortID(peerID))
	}
}

func (l *StreamLink) handleConnect(peerID string, role wire.ConnectionRole) {
	l.mu.Lock()
	l.codecs[peerID] = framing.NewBoundaryCodec()
	l.mu.Unlock()

	l.host.Metrics.SetPeers(string(l.kind), len(l.wire.ConnectedPeers()))
	if l.cfg.OnConnect != nil {
		l.cfg.OnConnect(peerID, role)
	}
}

func (l *StreamLink) handleDisconnect(peerID string) {
	l.mu.Lock()
	delete(l.codecs, peerID)
	l.mu.Unlock()

	l.host.Metrics.SetPeers(string(l.kind), len(l.wire.ConnectedPeers()))
	if l.cfg.OnDisconnect != nil {
		l.cfg.OnDisconnect(peerID)
	}
}

func (l *StreamLink) countBytes(direction string, n int) {
	if direction == "in" {
		l.host.Metrics.BytesIn(string(l.kind), n)
	} else {
		l.host.Metrics.BytesOut(string(l.kind), n)
	}
}
