package wifiaware

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T, initiator, responder *PSKAuth) (initErr, respErr error) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		err := responder.Respond(b)
		if err != nil {
			b.Close()
		}
		done <- err
	}()
	initErr = initiator.Initiate(a)
	return initErr, <-done
}

func TestDerivePMK(t *testing.T) {
	k := DerivePMK(Passphrase, ServiceName)
	assert.Len(t, k, 32)
	assert.Equal(t, k, DerivePMK(Passphrase, ServiceName))
	assert.NotEqual(t, k, DerivePMK(Passphrase, "OtherService"))
}

func TestPSKHandshake(t *testing.T) {
	auth := NewPSKAuth(Passphrase, ServiceName)
	initErr, respErr := handshake(t, auth, auth)
	require.NoError(t, initErr)
	require.NoError(t, respErr)
}

func TestPSKHandshakeRejectsWrongPassphrase(t *testing.T) {
	initErr, respErr := handshake(t, NewPSKAuth("wrong", ServiceName), NewPSKAuth(Passphrase, ServiceName))
	assert.ErrorIs(t, respErr, ErrAuthFailed)
	assert.ErrorIs(t, initErr, ErrAuthFailed)
}

func TestFollowUpRoundTrip(t *testing.T) {
	data, err := EncodeFollowUp(FollowUp{Type: SessionAccepted, Address: "aware-b", Port: 41234})
	require.NoError(t, err)

	f, err := DecodeFollowUp(data)
	require.NoError(t, err)
	assert.Equal(t, FollowUp{Type: SessionAccepted, Address: "aware-b", Port: 41234}, f)
	assert.Equal(t, "session_accepted", followUpStruct(data).GetFields()["type"].GetStringValue())

	_, err = DecodeFollowUp([]byte{0xff, 0xff})
	assert.Error(t, err)
	empty, err := EncodeFollowUp(FollowUp{})
	require.NoError(t, err)
	_, err = DecodeFollowUp(empty)
	assert.Error(t, err)
}
