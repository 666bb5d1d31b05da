package wire

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionRole is our role in a specific connection
type ConnectionRole string

const (
	RoleInitiator ConnectionRole = "initiator" // We dialed
	RoleResponder ConnectionRole = "responder" // They dialed, we accepted
)

// Framing selects how bytes on a connection are delimited
type Framing int

const (
	// Stream hands raw read chunks to the data handler; the caller frames them
	Stream Framing = iota
	// L2CAP reads length-prefixed L2CAP packets and hands the ATT channel
	// payload to the data handler
	L2CAP
)

func (f Framing) String() string {
	if f == L2CAP {
		return "l2cap"
	}
	return "stream"
}

var (
	// ErrNotConnected is returned when sending to an unknown peer
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect for an existing peer
	ErrAlreadyConnected = errors.New("already connected")
	// ErrStopped is returned once the wire has been stopped
	ErrStopped = errors.New("wire stopped")
)

// Authenticator runs an extra handshake step after the identity exchange.
// Initiate runs on the dialing side, Respond on the accepting side. Any
// error closes the connection before it is registered.
type Authenticator interface {
	Initiate(conn net.Conn) error
	Respond(conn net.Conn) error
}

// Config describes one wire
type Config struct {
	// LocalID is sent to every peer during the identity handshake
	LocalID string
	// Network is "unix" or "tcp"
	Network string
	// ListenAddress is the socket path (unix) or host:port (tcp). Empty
	// means dial-only: Start does not listen.
	ListenAddress string
	Framing       Framing
	Auth          Authenticator
	// EventLog receives connection lifecycle events; nil disables auditing
	EventLog *ConnectionEventLogger
	// LogPrefix is used for all log lines of this wire
	LogPrefix string
	// HandshakeTimeout bounds the identity and auth exchange
	HandshakeTimeout time.Duration
	// OnBytes observes raw byte counts ("in"/"out"); may be nil
	OnBytes func(direction string, n int)
}

// Connection is one live link to a remote peer
type Connection struct {
	conn      net.Conn
	remoteID  string
	role      ConnectionRole
	sendMutex sync.Mutex
	mtu       atomic.Int32
}

// RemoteID returns the peer's identity from the handshake
func (c *Connection) RemoteID() string {
	return c.remoteID
}

// Role returns our role on this connection
func (c *Connection) Role() ConnectionRole {
	return c.role
}

// MTU returns the negotiated ATT MTU (DefaultMTU until negotiated)
func (c *Connection) MTU() int {
	return int(c.mtu.Load())
}

// RemoteAddr returns the remote socket address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
