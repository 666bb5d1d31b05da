// Package wire is the socket link layer shared by every transport.
//
// A Wire owns one listening socket (unix for the simulated BLE radio, tcp for
// the Wi-Fi data planes), one accept loop goroutine and one read loop
// goroutine per connection. Connections are keyed by the remote identity
// exchanged in a handshake right after the socket connects:
//
//	initiator -> responder: [4-byte BE length][initiator id]
//	responder -> initiator: [4-byte BE length][responder id]
//
// An optional Authenticator runs after the identity exchange. Only then is
// the connection registered and its read loop started.
//
// With L2CAP framing every read yields one L2CAP packet whose ATT channel
// payload is handed to the data handler; with Stream framing raw read chunks
// are handed over as-is and the caller reassembles frames.
//
// Stop closes the listener and every connection, which unblocks all reads,
// and then waits for every goroutine the wire started. No goroutine
// outlives the wire.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/user/nearlink/logger"
)

// Wire handles socket communication for one transport session
type Wire struct {
	cfg      Config
	listener net.Listener

	connections map[string]*Connection // peer id -> single connection
	mu          sync.RWMutex

	// Handler for incoming data (raw chunks or ATT payloads)
	dataHandler func(peerID string, data []byte)
	handlerMu   sync.RWMutex

	// Connection callbacks
	connectCallback    func(peerID string, role ConnectionRole)
	disconnectCallback func(peerID string)
	callbackMu         sync.RWMutex

	// Inbound sockets still in the handshake, closed by Stop
	handshaking map[net.Conn]struct{}

	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a wire; nothing is opened until Start or Connect
func New(cfg Config) *Wire {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.LogPrefix == "" {
		cfg.LogPrefix = fmt.Sprintf("%s Wire", logger.ShortID(cfg.LocalID))
	}
	return &Wire{
		cfg:         cfg,
		connections: make(map[string]*Connection),
		handshaking: make(map[net.Conn]struct{}),
		stopping:    make(chan struct{}),
	}
}

// LocalID returns the identity this wire announces
func (w *Wire) LocalID() string {
	return w.cfg.LocalID
}

// SetDataHandler sets the handler for incoming data. It runs on the
// connection's read loop goroutine.
func (w *Wire) SetDataHandler(handler func(peerID string, data []byte)) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.dataHandler = handler
}

// SetConnectCallback sets the callback run after a connection is registered
func (w *Wire) SetConnectCallback(callback func(peerID string, role ConnectionRole)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.connectCallback = callback
}

// SetDisconnectCallback sets the callback run after a connection is removed
func (w *Wire) SetDisconnectCallback(callback func(peerID string)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.disconnectCallback = callback
}

// Start begins listening (no-op for dial-only wires)
func (w *Wire) Start() error {
	select {
	case <-w.stopping:
		return ErrStopped
	default:
	}
	if w.cfg.ListenAddress == "" {
		return nil
	}

	if w.cfg.Network == "unix" {
		// Clean up a socket file left behind by a crashed process
		os.Remove(w.cfg.ListenAddress)
	}

	listener, err := net.Listen(w.cfg.Network, w.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.cfg.ListenAddress, err)
	}

	w.mu.Lock()
	w.listener = listener
	w.mu.Unlock()

	w.cfg.EventLog.LogSocketCreated(w.cfg.Network, listener.Addr().String())
	logger.Debug(w.cfg.LogPrefix, "listening on %s %s", w.cfg.Network, listener.Addr())

	w.wg.Add(1)
	go w.acceptConnections(listener)
	return nil
}

// Addr returns the listening address, or nil before Start
func (w *Wire) Addr() net.Addr {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// Port returns the tcp listening port, or 0
func (w *Wire) Port() int {
	if addr, ok := w.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop closes everything and joins all goroutines. Idempotent. Must not be
// called from a data handler or callback of this wire.
func (w *Wire) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopping)

		w.mu.Lock()
		listener := w.listener
		conns := make([]*Connection, 0, len(w.connections))
		for _, c := range w.connections {
			conns = append(conns, c)
		}
		pending := make([]net.Conn, 0, len(w.handshaking))
		for c := range w.handshaking {
			pending = append(pending, c)
		}
		w.mu.Unlock()

		if listener != nil {
			listener.Close()
		}
		for _, c := range conns {
			c.conn.Close()
		}
		for _, c := range pending {
			c.Close()
		}

		w.wg.Wait()

		if listener != nil && w.cfg.Network == "unix" {
			os.Remove(w.cfg.ListenAddress)
		}
		w.cfg.EventLog.LogSocketClosed(w.cfg.Network, "", "shutdown")
		logger.Debug(w.cfg.LogPrefix, "stopped")
	})
}

func (w *Wire) stopped() bool {
	select {
	case <-w.stopping:
		return true
	default:
		return false
	}
}

// acceptConnections handles incoming connections
func (w *Wire) acceptConnections(listener net.Listener) {
	defer w.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if w.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn(w.cfg.LogPrefix, "accept failed: %v", err)
			continue
		}

		w.mu.Lock()
		if w.stopped() {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.handshaking[conn] = struct{}{}
		w.wg.Add(1)
		w.mu.Unlock()

		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection runs the responder side of the handshake and
// registers the connection
func (w *Wire) handleIncomingConnection(conn net.Conn) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.handshaking, conn)
		w.mu.Unlock()
	}()

	conn.SetDeadline(time.Now().Add(w.cfg.HandshakeTimeout))
	peerID, err := readID(conn)
	if err == nil {
		err = writeID(conn, w.cfg.LocalID)
	}
	if err == nil && w.cfg.Auth != nil {
		err = w.cfg.Auth.Respond(conn)
	}
	if err != nil {
		logger.Debug(w.cfg.LogPrefix, "inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
		w.cfg.EventLog.LogSocketError(string(RoleResponder), peerID, err.Error(), "handshake")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	w.cfg.EventLog.LogConnectionAccepted(string(RoleResponder), peerID)

	if err := w.register(conn, peerID, RoleResponder); err != nil {
		logger.Debug(w.cfg.LogPrefix, "rejecting inbound %s: %v", logger.ShortID(peerID), err)
		conn.Close()
	}
}

// Connect dials address and runs the initiator side of the handshake. If
// peerID is not empty the responder must announce exactly that identity.
// It returns the responder's identity.
func (w *Wire) Connect(peerID, address string) (string, error) {
	if w.stopped() {
		return "", ErrStopped
	}
	if peerID != "" && w.IsConnected(peerID) {
		return peerID, fmt.Errorf("%w: %s", ErrAlreadyConnected, logger.ShortID(peerID))
	}

	conn, err := net.DialTimeout(w.cfg.Network, address, w.cfg.HandshakeTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	conn.SetDeadline(time.Now().Add(w.cfg.HandshakeTimeout))
	remoteID, err := w.initiate(conn)
	if err == nil && peerID != "" && remoteID != peerID {
		err = fmt.Errorf("expected peer %s, got %s", logger.ShortID(peerID), logger.ShortID(remoteID))
	}
	if err != nil {
		conn.Close()
		w.cfg.EventLog.LogSocketError(string(RoleInitiator), peerID, err.Error(), "handshake")
		return "", fmt.Errorf("handshake with %s failed: %w", address, err)
	}
	conn.SetDeadline(time.Time{})

	if err := w.register(conn, remoteID, RoleInitiator); err != nil {
		conn.Close()
		return remoteID, err
	}
	w.cfg.EventLog.LogConnectionEstablished(string(RoleInitiator), remoteID, address)
	return remoteID, nil
}

func (w *Wire) initiate(conn net.Conn) (string, error) {
	if err := writeID(conn, w.cfg.LocalID); err != nil {
		return "", err
	}
	remoteID, err := readID(conn)
	if err != nil {
		return "", err
	}
	if w.cfg.Auth != nil {
		if err := w.cfg.Auth.Initiate(conn); err != nil {
			return remoteID, err
		}
	}
	return remoteID, nil
}

// adopt registers an already handshaken connection and starts its read
// loop. Used by tests to drive a wire over in-memory pipes.
func (w *Wire) adopt(conn net.Conn, peerID string, role ConnectionRole) error {
	return w.register(conn, peerID, role)
}

// register stores the connection, fires the connect callback and starts the
// read loop. The read loop is counted in the WaitGroup under the same lock
// that checks for Stop, so Stop always waits for it.
func (w *Wire) register(conn net.Conn, peerID string, role ConnectionRole) error {
	connection := &Connection{conn: conn, remoteID: peerID, role: role}
	connection.mtu.Store(DefaultMTU)

	w.mu.Lock()
	if w.stopped() {
		w.mu.Unlock()
		return ErrStopped
	}
	if _, exists := w.connections[peerID]; exists {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, logger.ShortID(peerID))
	}
	w.connections[peerID] = connection
	w.wg.Add(1)
	w.mu.Unlock()

	logger.Info(w.cfg.LogPrefix, "connected to %s as %s", logger.ShortID(peerID), role)

	w.callbackMu.RLock()
	connectCb := w.connectCallback
	w.callbackMu.RUnlock()
	if connectCb != nil {
		connectCb(peerID, role)
	}

	go w.readMessages(connection)
	return nil
}

func writeID(conn net.Conn, id string) error {
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(id)))
	copy(buf[4:], id)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	return nil
}

func readID(conn net.Conn) (string, error) {
	var idLen uint32
	if err := binary.Read(conn, binary.BigEndian, &idLen); err != nil {
		return "", fmt.Errorf("failed to read handshake: %w", err)
	}
	if idLen == 0 || idLen > maxIDLen {
		return "", fmt.Errorf("invalid handshake id length %d", idLen)
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(conn, id); err != nil {
		return "", fmt.Errorf("failed to read handshake: %w", err)
	}
	return string(id), nil
}
