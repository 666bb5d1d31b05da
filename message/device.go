package message

import (
	"strings"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// SenderSeparator joins the device model and the session token in a sender id
const SenderSeparator = " :: "

// Device is the identity context of the local process: the stable sender
// string, the message id counter, the clock used for timestamps and the
// position source. One Device is built per node and passed to everything
// that creates or receives messages.
type Device struct {
	sender  string
	nextID  atomic.Int64
	clock   clock.Clock
	locator Locator
}

// DeviceOption configures a Device
type DeviceOption func(*Device)

// WithClock sets the clock used for TimeSent/TimeReceived
func WithClock(c clock.Clock) DeviceOption {
	return func(d *Device) { d.clock = c }
}

// WithLocator sets the position source
func WithLocator(l Locator) DeviceOption {
	return func(d *Device) { d.locator = l }
}

// WithToken fixes the session token instead of drawing a random one
func WithToken(token string) DeviceOption {
	return func(d *Device) { d.sender = d.Model() + SenderSeparator + token }
}

// NewDevice creates an identity context for the given device model
func NewDevice(model string, opts ...DeviceOption) *Device {
	token, _, _ := strings.Cut(uuid.NewString(), "-")
	d := &Device{
		sender:  model + SenderSeparator + token,
		clock:   clock.New(),
		locator: NoLocation{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sender returns the per-process sender identifier
func (d *Device) Sender() string {
	return d.sender
}

// Model returns the model part of the sender identifier
func (d *Device) Model() string {
	model, _, _ := strings.Cut(d.sender, SenderSeparator)
	return model
}

// Token returns the random session part of the sender identifier
func (d *Device) Token() string {
	_, token, _ := strings.Cut(d.sender, SenderSeparator)
	return token
}

// Clock returns the device clock
func (d *Device) Clock() clock.Clock {
	return d.clock
}

// NewMessage builds a fresh local message whose payload is size bytes long,
// timestamped as sent now.
func (d *Device) NewMessage(size int) Message {
	if size < 0 {
		size = 0
	}
	now := d.clock.Now()
	m := Message{
		ID:       d.nextID.Add(1) - 1,
		Sender:   d.sender,
		TimeSent: &now,
		Payload:  strings.Repeat("a", size),
	}
	if loc, ok := d.locator.Location(); ok {
		m.SentLocation = &loc
	}
	return m
}

// Receive returns a copy of m stamped with the local receipt time and
// position, plus the distance when both positions are known. Callers must
// only pass messages created by another sender.
func (d *Device) Receive(m Message) Message {
	now := d.clock.Now()
	m.TimeReceived = &now
	if loc, ok := d.locator.Location(); ok {
		m.ReceivedLocation = &loc
	}
	if m.SentLocation != nil && m.ReceivedLocation != nil {
		m.Distance = Distance(*m.SentLocation, *m.ReceivedLocation)
	}
	return m
}

// IsLocal reports whether m was created by this device
func (d *Device) IsLocal(m Message) bool {
	return m.Sender == d.sender
}
