// Package att encodes and decodes the Attribute Protocol PDUs exchanged
// between a GATT client and server on the L2CAP ATT channel.
package att

import (
	"encoding/binary"
	"fmt"
)

// Error Response (Opcode 0x01)
type ErrorResponse struct {
	RequestOpcode uint8  // The opcode that caused the error
	Handle        uint16 // The handle that caused the error
	ErrorCode     uint8
}

// MTU Exchange Request/Response (Opcodes 0x02/0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// Read Request/Response (Opcodes 0x0A/0x0B)
type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

// Write Request/Response (Opcodes 0x12/0x13)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// Write Command (Opcode 0x52): like a Write Request but never answered
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// Handle Value Notification (Opcode 0x1B)
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// EncodePacket serializes a PDU (pointer to one of the types above)
func EncodePacket(pdu interface{}) ([]byte, error) {
	switch p := pdu.(type) {
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil
	case *ExchangeMTURequest:
		return opU16(OpExchangeMTURequest, p.ClientRxMTU), nil
	case *ExchangeMTUResponse:
		return opU16(OpExchangeMTUResponse, p.ServerRxMTU), nil
	case *ReadRequest:
		return opU16(OpReadRequest, p.Handle), nil
	case *ReadResponse:
		return append([]byte{OpReadResponse}, p.Value...), nil
	case *WriteRequest:
		return opHandleValue(OpWriteRequest, p.Handle, p.Value), nil
	case *WriteResponse:
		return []byte{OpWriteResponse}, nil
	case *WriteCommand:
		return opHandleValue(OpWriteCommand, p.Handle, p.Value), nil
	case *HandleValueNotification:
		return opHandleValue(OpHandleValueNotification, p.Handle, p.Value), nil
	}
	return nil, fmt.Errorf("att: unsupported PDU type %T", pdu)
}

// DecodePacket parses one PDU and returns a pointer to its typed form
func DecodePacket(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("att: empty packet")
	}

	op := data[0]
	body := data[1:]
	switch op {
	case OpErrorResponse:
		if len(body) < 4 {
			return nil, shortPDU(op, 4, len(body))
		}
		return &ErrorResponse{
			RequestOpcode: body[0],
			Handle:        binary.LittleEndian.Uint16(body[1:3]),
			ErrorCode:     body[3],
		}, nil
	case OpExchangeMTURequest, OpExchangeMTUResponse, OpReadRequest:
		if len(body) < 2 {
			return nil, shortPDU(op, 2, len(body))
		}
		v := binary.LittleEndian.Uint16(body[0:2])
		switch op {
		case OpExchangeMTURequest:
			return &ExchangeMTURequest{ClientRxMTU: v}, nil
		case OpExchangeMTUResponse:
			return &ExchangeMTUResponse{ServerRxMTU: v}, nil
		}
		return &ReadRequest{Handle: v}, nil
	case OpReadResponse:
		return &ReadResponse{Value: clone(body)}, nil
	case OpWriteResponse:
		return &WriteResponse{}, nil
	case OpWriteRequest, OpWriteCommand, OpHandleValueNotification:
		if len(body) < 2 {
			return nil, shortPDU(op, 2, len(body))
		}
		handle := binary.LittleEndian.Uint16(body[0:2])
		value := clone(body[2:])
		switch op {
		case OpWriteRequest:
			return &WriteRequest{Handle: handle, Value: value}, nil
		case OpWriteCommand:
			return &WriteCommand{Handle: handle, Value: value}, nil
		}
		return &HandleValueNotification{Handle: handle, Value: value}, nil
	}
	return nil, fmt.Errorf("att: unsupported opcode 0x%02X", op)
}

// Chunk splits a value into pieces that fit one write or notification at
// the given MTU (MTU-3 bytes each). An empty value yields no chunks.
func Chunk(value []byte, mtu int) [][]byte {
	size := mtu - HeaderLen
	if size < 1 {
		size = 1
	}
	var chunks [][]byte
	for off := 0; off < len(value); off += size {
		end := off + size
		if end > len(value) {
			end = len(value)
		}
		chunks = append(chunks, value[off:end])
	}
	return chunks
}

func opU16(op uint8, v uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], v)
	return buf
}

func opHandleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, HeaderLen+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[HeaderLen:], value)
	return buf
}

func shortPDU(op uint8, need, got int) error {
	return fmt.Errorf("att: %s too short (need %d bytes, got %d)", OpcodeName(op), need, got)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
