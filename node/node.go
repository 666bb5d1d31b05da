// Package node ties a device's transport sessions together. It owns the
// event hub, the relay and the metrics every session shares, routes the
// relay's fan-out to each started session, and exposes the operations the
// application drives: start and stop a transport, create and submit
// messages, and listen for relayed messages and connection changes.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/user/nearlink/events"
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/metrics"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/wire"
)

var (
	// ErrDuplicate is returned by SubmitMessage for a message already relayed
	ErrDuplicate = errors.New("message already relayed")
	// ErrNotRegistered is returned for a transport kind with no session
	ErrNotRegistered = errors.New("transport not registered")
	// ErrAlreadyRegistered is returned when a kind gets a second session
	ErrAlreadyRegistered = errors.New("transport already registered")
)

// Option configures a Node
type Option func(*Node)

// WithAddress sets the radio address; a random UUID is used otherwise
func WithAddress(address string) Option {
	return func(n *Node) { n.address = address }
}

// WithMetrics records into m instead of a fresh registry
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithEventLog audits the socket events of every session
func WithEventLog(l *wire.ConnectionEventLogger) Option {
	return func(n *Node) { n.eventLog = l }
}

// Node is one device: its identity, its sessions and the shared relay
type Node struct {
	device   *message.Device
	address  string
	prefix   string
	hub      *events.Hub
	metrics  *metrics.Metrics
	relay    *relay.Relay
	eventLog *wire.ConnectionEventLogger

	mu       sync.RWMutex
	sessions map[transport.Kind]transport.Session
}

// New creates a node for device with no sessions registered
func New(device *message.Device, opts ...Option) *Node {
	n := &Node{
		device:   device,
		hub:      events.NewHub(),
		sessions: make(map[transport.Kind]transport.Session),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.address == "" {
		n.address = uuid.NewString()
	}
	if n.metrics == nil {
		n.metrics = metrics.New()
	}
	n.prefix = logger.ShortID(n.address) + " Node"
	n.relay = relay.New(device, n.hub, n.metrics)
	n.relay.SetBroadcaster(n)
	return n
}

// Host returns the bundle session constructors take
func (n *Node) Host() transport.Host {
	return transport.Host{
		Address:  n.address,
		Device:   n.device,
		Hub:      n.hub,
		Ingester: n.relay,
		Metrics:  n.metrics,
		EventLog: n.eventLog,
	}
}

func (n *Node) Address() string { return n.address }
func (n *Node) Device() *message.Device { return n.device }
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }
func (n *Node) Relay() *relay.Relay { return n.relay }
func (n *Node) Hub() *events.Hub { return n.hub }

// Register adds the session of one transport kind
func (n *Node) Register(s transport.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sessions[s.Kind()]; ok {
		return fmt.Errorf("%s: %w", s.Kind(), ErrAlreadyRegistered)
	}
	n.sessions[s.Kind()] = s
	logger.Debug(n.prefix, "registered %s", s.Kind())
	return nil
}

// Session returns the session registered for kind
func (n *Node) Session(kind transport.Kind) (transport.Session, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[kind]
	return s, ok
}

// registered returns the sessions in start order
func (n *Node) registered() []transport.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []transport.Session
	for _, kind := range transport.Kinds() {
		if s, ok := n.sessions[kind]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Start starts one transport. Starting a started transport is a no-op.
func (n *Node) Start(ctx context.Context, kind transport.Kind) error {
	s, ok := n.Session(kind)
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrNotRegistered)
	}
	logger.Info(n.prefix, "starting %s", kind)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", kind, err)
	}
	return nil
}

// Stop stops one transport and returns once its teardown completed
func (n *Node) Stop(ctx context.Context, kind transport.Kind) error {
	s, ok := n.Session(kind)
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrNotRegistered)
	}
	logger.Info(n.prefix, "stopping %s", kind)
	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", kind, err)
	}
	return nil
}

// StartAll starts every registered transport and returns their joined errors
func (n *Node) StartAll(ctx context.Context) error {
	var err error
	for _, s := range n.registered() {
		err = multierr.Append(err, n.Start(ctx, s.Kind()))
	}
	return err
}

// CreateMessage builds a new local message with a payload of size bytes
func (n *Node) CreateMessage(size int) message.Message {
	return n.device.NewMessage(size)
}

// SubmitMessage relays an encoded message as if it arrived locally: it is
// delivered to the message listener and broadcast on every started
// transport
func (n *Node) SubmitMessage(encoded []byte) (message.Message, error) {
	m, err := message.Decode(encoded)
	if err != nil {
		n.metrics.Dropped(relay.TransportLocal, metrics.ReasonMalformed)
		return message.Message{}, fmt.Errorf("submit: %w", err)
	}
	delivered, ok := n.relay.Deliver(m, relay.Source{Transport: relay.TransportLocal})
	if !ok {
		return message.Message{}, fmt.Errorf("submit %d from %s: %w", m.ID, m.Sender, ErrDuplicate)
	}
	return delivered, nil
}

// Send creates a message of size bytes and submits it
func (n *Node) Send(size int) (message.Message, error) {
	data, err := message.Encode(n.CreateMessage(size))
	if err != nil {
		return message.Message{}, err
	}
	return n.SubmitMessage(data)
}

// Broadcast fans m out to every started session, each skipping the
// connection it arrived on
func (n *Node) Broadcast(m message.Message, src relay.Source) {
	total := 0
	for _, s := range n.registered() {
		total += s.Broadcast(m, src)
	}
	logger.Trace(n.prefix, "message %d from %s sent on %d links", m.ID, m.Sender, total)
}

// SetMessageListener sets the "message relayed" listener
func (n *Node) SetMessageListener(fn func(message.Message)) {
	n.hub.SetMessageListener(fn)
}

// SetConnectionListener sets the "connection info changed" listener
func (n *Node) SetConnectionListener(fn func(events.ConnectionInfo)) {
	n.hub.SetConnectionListener(fn)
}

// Close stops every session concurrently, then drains and closes the hub.
// A failing stop does not cancel the others; all failures are joined.
func (n *Node) Close(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, s := range n.registered() {
		s := s
		g.Go(func() error {
			err := s.Stop(ctx)
			if err != nil {
				err = fmt.Errorf("stop %s: %w", s.Kind(), err)
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn(n.prefix, "close: %v", err)
	}
	n.hub.Close()
	logger.Info(n.prefix, "closed")
	return errs
}

var _ relay.Broadcaster = (*Node)(nil)
