package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a frame is not a valid message record
var ErrMalformed = errors.New("malformed message")

// record is the flat wire layout. Optional fields are pointers so an
// explicit null and an absent key decode the same way.
type record struct {
	ID               *int64    `json:"id"`
	Sender           *string   `json:"sender"`
	TimeSent         *int64    `json:"timeSent"`
	TimeReceived     *int64    `json:"timeReceived"`
	Payload          *string   `json:"payload"`
	SentLocation     *Location `json:"sentLocation"`
	ReceivedLocation *Location `json:"receivedLocation"`
	Distance         *float64  `json:"distance"`

	// Field names used by older Android builds
	LegacyPayload  *string  `json:"dataToAchieveMessageSize,omitempty"`
	LegacyDistance *float64 `json:"distanceBetweenLocations,omitempty"`
}

// Encode serializes the message to its wire record
func Encode(m Message) ([]byte, error) {
	id := m.ID
	sender := m.Sender
	payload := m.Payload
	distance := m.Distance

	r := record{
		ID:               &id,
		Sender:           &sender,
		TimeSent:         toMillis(m.TimeSent),
		TimeReceived:     toMillis(m.TimeReceived),
		Payload:          &payload,
		SentLocation:     m.SentLocation,
		ReceivedLocation: m.ReceivedLocation,
		Distance:         &distance,
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %d: %w", m.ID, err)
	}
	return data, nil
}

// MustEncode is Encode for messages built locally, which always serialize
func MustEncode(m Message) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses one wire record. Records without id or sender are rejected.
func Decode(data []byte) (Message, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.ID == nil || r.Sender == nil {
		return Message{}, fmt.Errorf("%w: missing id or sender", ErrMalformed)
	}

	m := Message{
		ID:               *r.ID,
		Sender:           *r.Sender,
		TimeSent:         fromMillis(r.TimeSent),
		TimeReceived:     fromMillis(r.TimeReceived),
		SentLocation:     r.SentLocation,
		ReceivedLocation: r.ReceivedLocation,
	}
	switch {
	case r.Payload != nil:
		m.Payload = *r.Payload
	case r.LegacyPayload != nil:
		m.Payload = *r.LegacyPayload
	}
	switch {
	case r.Distance != nil:
		m.Distance = *r.Distance
	case r.LegacyDistance != nil:
		m.Distance = *r.LegacyDistance
	}
	return m, nil
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
