// Package l2cap implements the L2CAP basic frame used to carry ATT PDUs
// over the simulated BLE link.
package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// L2CAP Channel IDs
const (
	ChannelSignaling uint16 = 0x0001 // ACL-U signaling
	ChannelATT       uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal  uint16 = 0x0005 // LE L2CAP Signaling
	ChannelSMP       uint16 = 0x0006 // Security Manager Protocol
)

// HeaderLen is Length (2 bytes) + Channel ID (2 bytes)
const HeaderLen = 4

// MaxPayload is the largest payload a basic frame can announce
const MaxPayload = 0xFFFF

// Packet represents an L2CAP packet
// Format: [Length: 2 bytes LE] [Channel ID: 2 bytes LE] [Payload: N bytes]
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// NewATTPacket creates an L2CAP packet for the ATT channel
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}

// Encode serializes the packet
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("l2cap: payload too large (%d bytes)", len(p.Payload))
	}
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[HeaderLen:], p.Payload)
	return buf, nil
}

// Decode parses one complete packet
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", HeaderLen, len(data))
	}

	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < HeaderLen+length {
		return nil, fmt.Errorf("l2cap: incomplete packet (claimed length %d, got %d)", length, len(data)-HeaderLen)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderLen:HeaderLen+length])
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   payload,
	}, nil
}

// ReadPacket reads exactly one packet from a stream
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint16(header[0:2])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("l2cap: short payload: %w", err)
	}
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(header[2:4]),
		Payload:   payload,
	}, nil
}

// WritePacket writes one packet to a stream in a single Write call
func WritePacket(w io.Writer, p *Packet) (int, error) {
	buf, err := p.Encode()
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// ChannelName returns a readable channel name for logs
func ChannelName(id uint16) string {
	switch id {
	case ChannelSignaling:
		return "Signaling"
	case ChannelATT:
		return "ATT"
	case ChannelLESignal:
		return "LE Signaling"
	case ChannelSMP:
		return "SMP"
	}
	return fmt.Sprintf("0x%04X", id)
}
