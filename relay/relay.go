// Package relay turns decoded frames into delivered messages: it
// deduplicates, stamps receipt, notifies the local listener and re-broadcasts
// to the other connected peers.
package relay

import (
	"sync"

	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/metrics"
)

// TransportLocal marks messages submitted by the local application
const TransportLocal = "local"

// Source identifies where a frame came from: the transport kind and the
// connection (peer id) it arrived on. Fan-out skips that connection.
type Source struct {
	Transport string
	Conn      string
}

// IsLocal reports whether the frame was submitted locally
func (s Source) IsLocal() bool {
	return s.Transport == TransportLocal
}

// Emitter receives every newly ingested message exactly once
type Emitter interface {
	EmitMessage(m message.Message)
}

// Broadcaster re-sends a message to all connected peers except src.Conn on
// src.Transport
type Broadcaster interface {
	Broadcast(m message.Message, src Source)
}

// Relay is shared by every transport session of a node. The received-set is
// never evicted: a given (id, sender) is delivered at most once per process.
type Relay struct {
	device  *message.Device
	emitter Emitter
	metrics *metrics.Metrics
	prefix  string

	bcMu        sync.RWMutex
	broadcaster Broadcaster

	mu   sync.Mutex
	seen map[message.Key]struct{}
}

// New creates a relay. metrics may be nil.
func New(device *message.Device, emitter Emitter, m *metrics.Metrics) *Relay {
	return &Relay{
		device:  device,
		emitter: emitter,
		metrics: m,
		prefix:  logger.ShortID(device.Token()) + " Relay",
		seen:    make(map[message.Key]struct{}),
	}
}

// SetBroadcaster installs the fan-out target (the node)
func (r *Relay) SetBroadcaster(b Broadcaster) {
	r.bcMu.Lock()
	defer r.bcMu.Unlock()
	r.broadcaster = b
}

// Ingest decodes one frame and relays it. It returns the delivered message
// and true, or false if the frame was malformed or already seen.
func (r *Relay) Ingest(frame []byte, src Source) (message.Message, bool) {
	m, err := message.Decode(frame)
	if err != nil {
		logger.Debug(r.prefix, "dropping malformed frame from %s/%s (%d bytes): %v",
			src.Transport, logger.ShortID(src.Conn), len(frame), err)
		r.metrics.Dropped(src.Transport, metrics.ReasonMalformed)
		return message.Message{}, false
	}
	return r.Deliver(m, src)
}

// Deliver relays an already decoded message
func (r *Relay) Deliver(m message.Message, src Source) (message.Message, bool) {
	if !r.markSeen(m.Key()) {
		logger.Trace(r.prefix, "duplicate message %d from %s via %s", m.ID, m.Sender, src.Transport)
		r.metrics.Dropped(src.Transport, metrics.ReasonDuplicate)
		return message.Message{}, false
	}

	// Only the first receipt on a foreign device is stamped; a message that
	// loops back to its creator is never marked received.
	if !r.device.IsLocal(m) && !m.Received() {
		m = r.device.Receive(m)
	}

	latency, hasLatency := m.Latency()
	r.metrics.Relayed(src.Transport, latency, hasLatency, m.Distance, m.HasDistance())
	logger.Debug(r.prefix, "relaying message %d from %s via %s (%d bytes)",
		m.ID, m.Sender, src.Transport, m.Size())

	r.emitter.EmitMessage(m)

	r.bcMu.RLock()
	b := r.broadcaster
	r.bcMu.RUnlock()
	if b != nil {
		b.Broadcast(m, src)
	}
	return m, true
}

// Seen reports whether a message key has already been delivered
func (r *Relay) Seen(k message.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[k]
	return ok
}

// Len returns the number of distinct messages delivered so far
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *Relay) markSeen(k message.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[k]; ok {
		return false
	}
	r.seen[k] = struct{}{}
	return true
}
