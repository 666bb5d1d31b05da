package l2cap

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	buf, err := NewATTPacket([]byte{0x01, 0x02, 0x03}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00, 0x04, 0x00, 0x01, 0x02, 0x03}, buf)

	empty, err := (&Packet{ChannelID: ChannelSMP}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x06, 0x00}, empty)
}

func TestDecode(t *testing.T) {
	p, err := Decode([]byte{0x02, 0x00, 0x04, 0x00, 0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	assert.Equal(t, ChannelATT, p.ChannelID)
	assert.Equal(t, []byte{0xAA, 0xBB}, p.Payload)

	_, err = Decode([]byte{0x01})
	assert.Error(t, err)
	_, err = Decode([]byte{0x05, 0x00, 0x04, 0x00, 0x01})
	assert.Error(t, err)
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	_, err := WritePacket(&buf, NewATTPacket([]byte("hello")))
	require.NoError(t, err)
	_, err = WritePacket(&buf, &Packet{ChannelID: ChannelLESignal, Payload: []byte{0x12}})
	require.NoError(t, err)

	p1, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p1.Payload))

	p2, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, ChannelLESignal, p2.ChannelID)

	_, err = ReadPacket(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketTruncated(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0x04, 0x00, 0x04, 0x00, 0x01}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOversizedPayload(t *testing.T) {
	_, err := NewATTPacket(make([]byte, MaxPayload+1)).Encode()
	assert.Error(t, err)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "ATT", ChannelName(ChannelATT))
	assert.Equal(t, "0x0042", ChannelName(0x42))
}
