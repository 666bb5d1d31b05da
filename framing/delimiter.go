// Package framing turns raw transport byte streams into discrete message
// frames.
//
// Two strategies exist:
//
//   - DelimiterCodec for the bounded-MTU link (BLE), where every frame is
//     terminated by a single reserved '%' byte and arrives split into
//     MTU-sized chunks.
//   - BoundaryCodec for continuous stream links (Wi-Fi data planes), which
//     carry back-to-back JSON records with no separator; frame boundaries are
//     found by bracket depth scanning that is aware of quoted strings.
//
// Neither codec decodes messages. Frames that turn out to be malformed are
// dropped by the caller and never affect later frames.
package framing

import (
	"bytes"
	"sync"
)

// Terminator ends every frame on the bounded-MTU link. It must never appear
// inside a sender or payload string on that link.
const Terminator = '%'

// DelimiterCodec reassembles terminator-delimited frames from chunks,
// keeping one residual buffer per connection.
type DelimiterCodec struct {
	mu        sync.Mutex
	residuals map[string][]byte
}

// NewDelimiterCodec creates an empty codec
func NewDelimiterCodec() *DelimiterCodec {
	return &DelimiterCodec{residuals: make(map[string][]byte)}
}

// Encode appends the terminator to a frame
func (c *DelimiterCodec) Encode(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+1)
	out = append(out, frame...)
	return append(out, Terminator)
}

// Feed appends chunk to conn's residual buffer. While the cumulative buffer
// does not end with the terminator nothing is returned. Once it does, the
// buffer minus the trailing terminator is split on the terminator, the
// residual is cleared and the non-empty frames are returned in order.
func (c *DelimiterCodec) Feed(conn string, chunk []byte) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := append(c.residuals[conn], chunk...)
	if len(buf) == 0 || buf[len(buf)-1] != Terminator {
		c.residuals[conn] = buf
		return nil
	}
	delete(c.residuals, conn)

	var frames [][]byte
	for _, part := range bytes.Split(buf[:len(buf)-1], []byte{Terminator}) {
		if len(part) == 0 {
			continue
		}
		frames = append(frames, part)
	}
	return frames
}

// Pending returns how many bytes are buffered for conn
func (c *DelimiterCodec) Pending(conn string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.residuals[conn])
}

// Reset discards conn's residual buffer. Called on connect and on disconnect
// so stale partial data is never prefixed onto a new connection's first chunk.
func (c *DelimiterCodec) Reset(conn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.residuals, conn)
}

// ResetAll discards every residual buffer
func (c *DelimiterCodec) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.residuals = make(map[string][]byte)
}
