package wire

import (
	"errors"
	"io"
	"net"

	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/wire/l2cap"
)

// readMessages continuously reads from a connection until it fails or is
// closed, then removes it and fires the disconnect callback
func (w *Wire) readMessages(connection *Connection) {
	defer w.wg.Done()

	peerID := connection.remoteID
	reason := "connection closed"
	defer func() {
		connection.conn.Close()

		w.mu.Lock()
		// A newer connection may already have replaced this one
		if current, ok := w.connections[peerID]; ok && current == connection {
			delete(w.connections, peerID)
		}
		w.mu.Unlock()

		w.cfg.EventLog.LogReadLoopEnded(string(connection.role), peerID, reason)
		logger.Info(w.cfg.LogPrefix, "disconnected from %s (%s)", logger.ShortID(peerID), reason)

		w.callbackMu.RLock()
		disconnectCb := w.disconnectCallback
		w.callbackMu.RUnlock()
		if disconnectCb != nil {
			disconnectCb(peerID)
		}
	}()

	w.cfg.EventLog.LogReadLoopStarted(string(connection.role), peerID)

	buf := make([]byte, readBufferSize)
	for {
		var data []byte
		switch w.cfg.Framing {
		case L2CAP:
			packet, err := l2cap.ReadPacket(connection.conn)
			if err != nil {
				reason = readErrorReason(err)
				return
			}
			w.countBytes("in", l2cap.HeaderLen+len(packet.Payload))
			if packet.ChannelID != l2cap.ChannelATT {
				logger.Trace(w.cfg.LogPrefix, "ignoring %s packet from %s",
					l2cap.ChannelName(packet.ChannelID), logger.ShortID(peerID))
				continue
			}
			data = packet.Payload
		default:
			n, err := connection.conn.Read(buf)
			if n > 0 {
				data = make([]byte, n)
				copy(data, buf[:n])
				w.countBytes("in", n)
			}
			if err != nil {
				if len(data) > 0 {
					w.deliver(peerID, data)
				}
				reason = readErrorReason(err)
				return
			}
		}

		if len(data) > 0 {
			logger.Trace(w.cfg.LogPrefix, "received %d bytes from %s", len(data), logger.ShortID(peerID))
			w.deliver(peerID, data)
		}
	}
}

func (w *Wire) deliver(peerID string, data []byte) {
	w.handlerMu.RLock()
	handler := w.dataHandler
	w.handlerMu.RUnlock()
	if handler != nil {
		handler(peerID, data)
	}
}

func (w *Wire) countBytes(direction string, n int) {
	if w.cfg.OnBytes != nil {
		w.cfg.OnBytes(direction, n)
	}
}

func readErrorReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "remote closed"
	case errors.Is(err, net.ErrClosed):
		return "local close"
	}
	return err.Error()
}
