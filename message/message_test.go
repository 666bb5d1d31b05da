package message

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualityUsesIDAndSenderOnly(t *testing.T) {
	t1 := time.UnixMilli(1000)
	t2 := time.UnixMilli(2000)

	a := Message{ID: 1, Sender: "Pixel :: aa", TimeSent: &t1, Payload: "x"}
	b := Message{ID: 1, Sender: "Pixel :: aa", TimeSent: &t2, TimeReceived: &t2, Payload: "yyyy", Distance: 12}
	c := Message{ID: 2, Sender: "Pixel :: aa", TimeSent: &t1, Payload: "x"}
	d := Message{ID: 1, Sender: "Pixel :: bb", TimeSent: &t1, Payload: "x"}

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
}

func TestDeviceNewMessage(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	dev := NewDevice("Pixel 7", WithClock(mock), WithToken("1a2b3c4d"),
		WithLocator(StaticLocator{Latitude: 52.52, Longitude: 13.405}))

	assert.Equal(t, "Pixel 7 :: 1a2b3c4d", dev.Sender())
	assert.Equal(t, "Pixel 7", dev.Model())
	assert.Equal(t, "1a2b3c4d", dev.Token())

	m0 := dev.NewMessage(16)
	m1 := dev.NewMessage(0)

	assert.Equal(t, int64(0), m0.ID)
	assert.Equal(t, int64(1), m1.ID)
	assert.Equal(t, 16, m0.Size())
	assert.Equal(t, strings.Repeat("a", 16), m0.Payload)
	require.NotNil(t, m0.TimeSent)
	assert.Equal(t, mock.Now(), *m0.TimeSent)
	assert.Nil(t, m0.TimeReceived)
	require.NotNil(t, m0.SentLocation)
	assert.Equal(t, "Pixel 7", m0.Model())
}

func TestDeviceRandomToken(t *testing.T) {
	a := NewDevice("X")
	b := NewDevice("X")
	assert.Len(t, a.Token(), 8)
	assert.NotEqual(t, a.Sender(), b.Sender())
}

func TestDeviceReceive(t *testing.T) {
	mock := clock.NewMock()
	sender := NewDevice("A", WithClock(mock), WithLocator(StaticLocator{Latitude: 0, Longitude: 0}))
	receiver := NewDevice("B", WithClock(mock), WithLocator(StaticLocator{Latitude: 0, Longitude: 1}))

	m := sender.NewMessage(4)
	mock.Add(250 * time.Millisecond)
	got := receiver.Receive(m)

	assert.Nil(t, m.TimeReceived, "original must not be mutated")
	require.NotNil(t, got.TimeReceived)
	lat, ok := got.Latency()
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, lat)
	assert.True(t, got.HasDistance())
	assert.InDelta(t, 111195, got.Distance, 50)
	assert.False(t, receiver.IsLocal(got))
	assert.True(t, sender.IsLocal(got))
}

func TestReceiveWithoutLocation(t *testing.T) {
	sender := NewDevice("A")
	receiver := NewDevice("B")

	got := receiver.Receive(sender.NewMessage(1))
	assert.NotNil(t, got.TimeReceived)
	assert.Nil(t, got.ReceivedLocation)
	assert.Zero(t, got.Distance)
}

func TestDistance(t *testing.T) {
	berlin := Location{Latitude: 52.5200, Longitude: 13.4050}
	paris := Location{Latitude: 48.8566, Longitude: 2.3522}

	assert.InDelta(t, 877_000, Distance(berlin, paris), 3_000)
	assert.Zero(t, Distance(berlin, berlin))
}
