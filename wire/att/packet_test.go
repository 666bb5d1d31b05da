package att

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePDUs(t *testing.T) {
	pdus := []interface{}{
		&ErrorResponse{RequestOpcode: OpWriteRequest, Handle: 0x0003, ErrorCode: ErrInvalidHandle},
		&ExchangeMTURequest{ClientRxMTU: 512},
		&ExchangeMTUResponse{ServerRxMTU: 185},
		&ReadRequest{Handle: 0x0003},
		&ReadResponse{Value: []byte("v")},
		&WriteRequest{Handle: 0x0004, Value: []byte{0x01, 0x00}},
		&WriteResponse{},
		&WriteCommand{Handle: 0x0003, Value: []byte("chunk")},
		&HandleValueNotification{Handle: 0x0003, Value: []byte("notify")},
	}

	for _, pdu := range pdus {
		data, err := EncodePacket(pdu)
		require.NoError(t, err, "%T", pdu)

		got, err := DecodePacket(data)
		require.NoError(t, err, "%T", pdu)
		assert.Equal(t, pdu, got)
	}
}

func TestWriteCommandLayout(t *testing.T) {
	data, err := EncodePacket(&WriteCommand{Handle: 0x0102, Value: []byte{0xAA}})
	require.NoError(t, err)
	assert.Equal(t, []byte{OpWriteCommand, 0x02, 0x01, 0xAA}, data)
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodePacket(nil)
	assert.Error(t, err)
	_, err = DecodePacket([]byte{OpExchangeMTURequest, 0x01})
	assert.Error(t, err)
	_, err = DecodePacket([]byte{0x7F})
	assert.Error(t, err)
	_, err = EncodePacket("nope")
	assert.Error(t, err)
}

func TestErrorResponseErr(t *testing.T) {
	err := NewErrorResponse(OpWriteRequest, 0x0009, ErrAttributeNotFound).Err()

	var attErr *Error
	require.True(t, errors.As(err, &attErr))
	assert.Equal(t, uint8(ErrAttributeNotFound), attErr.Code)
	assert.Contains(t, err.Error(), "Attribute Not Found")
	assert.Contains(t, err.Error(), "Write Request")
}

func TestChunk(t *testing.T) {
	value := []byte("abcdefghijklmnopqrstuvwxyz")

	chunks := Chunk(value, 23)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 6)
	assert.Equal(t, value, bytes.Join(chunks, nil))

	assert.Len(t, Chunk(value, 512), 1)
	assert.Empty(t, Chunk(nil, 23))
	assert.Len(t, Chunk([]byte("abc"), 2), 3)
}
