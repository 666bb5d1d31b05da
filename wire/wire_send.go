package wire

import (
	"fmt"
	"sort"

	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/wire/l2cap"
)

// Send writes data to one peer. With L2CAP framing data is one ATT PDU.
// A failed write disconnects the peer; there is no retry on that stream
// and no write timeout.
func (w *Wire) Send(peerID string, data []byte) error {
	w.mu.RLock()
	connection, ok := w.connections[peerID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, logger.ShortID(peerID))
	}

	out := data
	if w.cfg.Framing == L2CAP {
		encoded, err := l2cap.NewATTPacket(data).Encode()
		if err != nil {
			return err
		}
		out = encoded
	}

	connection.sendMutex.Lock()
	_, err := connection.conn.Write(out)
	connection.sendMutex.Unlock()

	if err != nil {
		logger.Warn(w.cfg.LogPrefix, "send to %s failed, dropping peer: %v", logger.ShortID(peerID), err)
		w.cfg.EventLog.LogSocketError(string(connection.role), peerID, err.Error(), "write")
		w.disconnect(connection)
		return fmt.Errorf("send to %s: %w", logger.ShortID(peerID), err)
	}

	w.countBytes("out", len(out))
	logger.Trace(w.cfg.LogPrefix, "sent %d bytes to %s", len(out), logger.ShortID(peerID))
	return nil
}

// Broadcast sends data to every connected peer except the given one and
// returns how many sends succeeded. It iterates over a snapshot, so peers
// removed by failed sends (or concurrently) are neither skipped nor visited
// twice.
func (w *Wire) Broadcast(data []byte, except string) int {
	sent := 0
	for _, peerID := range w.ConnectedPeers() {
		if peerID == except {
			continue
		}
		if err := w.Send(peerID, data); err != nil {
			continue
		}
		sent++
	}
	return sent
}

// Disconnect closes the connection to a peer. The read loop notices, removes
// the peer and fires the disconnect callback.
func (w *Wire) Disconnect(peerID string) error {
	w.mu.RLock()
	connection, ok := w.connections[peerID]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, logger.ShortID(peerID))
	}
	w.disconnect(connection)
	return nil
}

// disconnect removes the connection from the table immediately, so a failed
// peer is gone from ConnectedPeers as soon as Send returns
func (w *Wire) disconnect(connection *Connection) {
	w.mu.Lock()
	if current, ok := w.connections[connection.remoteID]; ok && current == connection {
		delete(w.connections, connection.remoteID)
	}
	w.mu.Unlock()
	connection.conn.Close()
}

// IsConnected reports whether a peer is connected
func (w *Wire) IsConnected(peerID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.connections[peerID]
	return ok
}

// ConnectedPeers returns the connected peer ids, sorted
func (w *Wire) ConnectedPeers() []string {
	w.mu.RLock()
	peers := make([]string, 0, len(w.connections))
	for id := range w.connections {
		peers = append(peers, id)
	}
	w.mu.RUnlock()

	sort.Strings(peers)
	return peers
}

// Connection returns the live connection to a peer
func (w *Wire) Connection(peerID string) (*Connection, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.connections[peerID]
	return c, ok
}

// SetMTU records the negotiated ATT MTU of a connection
func (w *Wire) SetMTU(peerID string, mtu int) {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	if c, ok := w.Connection(peerID); ok {
		c.mtu.Store(int32(mtu))
		w.cfg.EventLog.LogMTUNegotiated(string(c.role), peerID, mtu)
	}
}

// MTU returns the ATT MTU of a connection (DefaultMTU if unknown)
func (w *Wire) MTU(peerID string) int {
	if c, ok := w.Connection(peerID); ok {
		return c.MTU()
	}
	return DefaultMTU
}
