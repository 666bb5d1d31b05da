// Package message defines the test payload exchanged between nearby devices
// and its flat JSON wire encoding.
package message

import (
	"strings"
	"time"
)

// Key is the deduplication identity of a message. Two messages are the same
// logical message iff their keys match; payload and timestamps are ignored.
type Key struct {
	ID     int64
	Sender string
}

// Message is one test payload traversing the network. It is a value type:
// copies are handed across sessions and only the receipt fields are ever
// filled in after construction (see Device.Receive).
type Message struct {
	ID               int64
	Sender           string
	TimeSent         *time.Time
	TimeReceived     *time.Time
	Payload          string
	SentLocation     *Location
	ReceivedLocation *Location
	Distance         float64
}

// Key returns the (id, sender) identity of the message
func (m Message) Key() Key {
	return Key{ID: m.ID, Sender: m.Sender}
}

// Equal reports whether both messages carry the same (id, sender) pair
func (m Message) Equal(other Message) bool {
	return m.Key() == other.Key()
}

// Size returns the payload length in bytes
func (m Message) Size() int {
	return len(m.Payload)
}

// Latency returns the transfer time once both timestamps are known
func (m Message) Latency() (time.Duration, bool) {
	if m.TimeSent == nil || m.TimeReceived == nil {
		return 0, false
	}
	return m.TimeReceived.Sub(*m.TimeSent), true
}

// HasDistance reports whether the distance field was derived from two locations
func (m Message) HasDistance() bool {
	return m.SentLocation != nil && m.ReceivedLocation != nil
}

// Received reports whether the message has crossed onto a non-originating device
func (m Message) Received() bool {
	return m.TimeReceived != nil
}

// Model returns the device model part of the sender ("Pixel 7 :: 1a2b3c4d" -> "Pixel 7")
func (m Message) Model() string {
	model, _, found := strings.Cut(m.Sender, SenderSeparator)
	if !found {
		return m.Sender
	}
	return model
}
