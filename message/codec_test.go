package message

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_123))
	dev := NewDevice("Pixel", WithClock(mock), WithToken("abcd"),
		WithLocator(StaticLocator{Latitude: 1.5, Longitude: 2.5}))

	m := dev.NewMessage(8)
	data, err := Encode(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timeReceived":null`)
	assert.Contains(t, string(data), `"receivedLocation":null`)
	assert.Contains(t, string(data), `"timeSent":1700000000123`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Sender, got.Sender)
	assert.Equal(t, m.Payload, got.Payload)
	require.NotNil(t, got.TimeSent)
	assert.Equal(t, m.TimeSent.UnixMilli(), got.TimeSent.UnixMilli())
	assert.Nil(t, got.TimeReceived)
	assert.Equal(t, m.SentLocation, got.SentLocation)
}

func TestDecodeExplicitNulls(t *testing.T) {
	raw := `{"id":7,"sender":"S :: 1","timeSent":null,"timeReceived":null,"payload":null,` +
		`"sentLocation":null,"receivedLocation":null,"distance":null}`

	got, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
	assert.Nil(t, got.TimeSent)
	assert.Nil(t, got.SentLocation)
	assert.Empty(t, got.Payload)
}

func TestDecodeLegacyFieldNames(t *testing.T) {
	raw := `{"id":3,"sender":"S :: 1","timeSent":5,"dataToAchieveMessageSize":"aaa","distanceBetweenLocations":4.5}`

	got, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "aaa", got.Payload)
	assert.Equal(t, 4.5, got.Distance)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"id":`,
		"missing sender": `{"id":1}`,
		"missing id":     `{"sender":"x"}`,
		"null id":        `{"id":null,"sender":"x"}`,
		"array":          `[1,2]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}
