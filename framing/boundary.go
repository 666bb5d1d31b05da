package framing

import "bytes"

// BoundaryCodec extracts back-to-back JSON records from a continuous stream.
// It tracks bracket depth and whether the scan is inside a quoted string, so
// brackets inside string values never end a frame. Scan state survives
// between Feed calls: bytes already scanned are never rescanned.
//
// A codec belongs to exactly one connection and is not safe for concurrent
// use; each read loop owns its own.
type BoundaryCodec struct {
	buf      []byte
	pos      int // next byte to scan
	start    int // first byte of the frame being scanned
	depth    int
	inString bool
	escaped  bool
}

// NewBoundaryCodec creates an empty codec
func NewBoundaryCodec() *BoundaryCodec {
	return &BoundaryCodec{}
}

// Feed appends chunk and returns every frame completed by it, in order.
//
// A closing bracket that returns depth to zero outside a string ends a frame.
// Bytes that cannot start a frame (a stray closing bracket, or junk ahead of
// an opening bracket) are returned as their own span so the decoder rejects
// them on their own and the next record is unaffected. Whitespace between
// frames is not part of any frame.
func (c *BoundaryCodec) Feed(chunk []byte) [][]byte {
	c.buf = append(c.buf, chunk...)

	var frames [][]byte
	for ; c.pos < len(c.buf); c.pos++ {
		b := c.buf[c.pos]

		if c.inString {
			switch {
			case c.escaped:
				c.escaped = false
			case b == '\\':
				c.escaped = true
			case b == '"':
				c.inString = false
			}
			continue
		}

		switch b {
		case '"':
			if c.depth > 0 {
				c.inString = true
			}
		case '{', '[':
			if c.depth == 0 {
				if junk := c.span(c.start, c.pos); junk != nil {
					frames = append(frames, junk)
				}
				c.start = c.pos
			}
			c.depth++
		case '}', ']':
			if c.depth > 0 {
				c.depth--
				if c.depth > 0 {
					continue
				}
			}
			if frame := c.span(c.start, c.pos+1); frame != nil {
				frames = append(frames, frame)
			}
			c.start = c.pos + 1
		}
	}

	c.compact()
	return frames
}

// Buffered returns the number of retained bytes of a not yet complete frame
func (c *BoundaryCodec) Buffered() int {
	return len(c.buf) - c.start
}

// Reset drops all buffered data and scan state
func (c *BoundaryCodec) Reset() {
	*c = BoundaryCodec{}
}

// span copies buf[from:to] with surrounding whitespace removed, or returns
// nil if nothing but whitespace is left.
func (c *BoundaryCodec) span(from, to int) []byte {
	s := bytes.TrimSpace(c.buf[from:to])
	if len(s) == 0 {
		return nil
	}
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// compact drops everything before the current frame start
func (c *BoundaryCodec) compact() {
	if c.start == 0 {
		return
	}
	n := copy(c.buf, c.buf[c.start:])
	c.buf = c.buf[:n]
	c.pos -= c.start
	c.start = 0
}
