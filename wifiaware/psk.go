package wifiaware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/pbkdf2"
)

// Passphrase is the fixed pre-shared pass-phrase of the data path
const Passphrase = "KatAppPassword"

const (
	pmkIterations = 4096
	pmkLen        = 32
	nonceLen      = 16
	proofAccepted = 0x01
)

// ErrAuthFailed is returned when a peer does not prove the pass-phrase
var ErrAuthFailed = errors.New("aware: pass-phrase proof rejected")

// DerivePMK derives the pairwise master key the way WPA2-PSK does: PBKDF2
// over the pass-phrase, salted with the service name
func DerivePMK(passphrase, service string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(service), pmkIterations, pmkLen, sha256.New)
}

// PSKAuth is the data path handshake. The responder sends a random nonce,
// the initiator answers with HMAC-SHA256(PMK, nonce) and the responder
// accepts or closes.
type PSKAuth struct {
	pmk []byte
}

// NewPSKAuth derives the key for a pass-phrase and service
func NewPSKAuth(passphrase, service string) *PSKAuth {
	return &PSKAuth{pmk: DerivePMK(passphrase, service)}
}

func (a *PSKAuth) proof(nonce []byte) []byte {
	mac := hmac.New(sha256.New, a.pmk)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// Initiate runs on the dialing side
func (a *PSKAuth) Initiate(conn net.Conn) error {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(conn, nonce); err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	if _, err := conn.Write(a.proof(nonce)); err != nil {
		return fmt.Errorf("write proof: %w", err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if ack[0] != proofAccepted {
		return ErrAuthFailed
	}
	return nil
}

// Respond runs on the accepting side
func (a *PSKAuth) Respond(conn net.Conn) error {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	if _, err := conn.Write(nonce); err != nil {
		return fmt.Errorf("write nonce: %w", err)
	}
	got := make([]byte, sha256.Size)
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("read proof: %w", err)
	}
	if !hmac.Equal(got, a.proof(nonce)) {
		return ErrAuthFailed
	}
	if _, err := conn.Write([]byte{proofAccepted}); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}
