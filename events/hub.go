package events

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/nearlink/message"
)

// ConnectionInfo summarizes the connectivity of one transport. The zero
// value of everything but Transport and Reason is the "no information"
// report emitted when no connection or group exists.
type ConnectionInfo struct {
	Transport         string
	Available         bool
	Connected         bool
	GroupFormed       bool
	IsGroupOwner      bool
	GroupOwnerAddress string
	PeerAddress       string
	Port              int
	Peers             []string
	Reason            string
}

// NoInformation is the explicit empty report for transport, used when a
// group is absent or a connection is lost; it is never replaced by silence.
func NoInformation(transport, reason string) ConnectionInfo {
	return ConnectionInfo{Transport: transport, Available: true, Reason: reason}
}

// Unavailable reports a transport whose capability is absent on this device
func Unavailable(transport string) ConnectionInfo {
	return ConnectionInfo{Transport: transport, Reason: "unavailable"}
}

// IsEmpty reports whether the info carries no connectivity at all
func (c ConnectionInfo) IsEmpty() bool {
	return !c.Connected && !c.GroupFormed && len(c.Peers) == 0
}

func (c ConnectionInfo) String() string {
	if c.IsEmpty() {
		if c.Reason != "" {
			return fmt.Sprintf("%s: no information (%s)", c.Transport, c.Reason)
		}
		return fmt.Sprintf("%s: no information", c.Transport)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: connected=%v", c.Transport, c.Connected)
	if c.GroupFormed {
		fmt.Fprintf(&b, " group owner=%v owner address=%s", c.IsGroupOwner, c.GroupOwnerAddress)
	}
	if c.PeerAddress != "" {
		fmt.Fprintf(&b, " peer=%s", c.PeerAddress)
	}
	if c.Port != 0 {
		fmt.Fprintf(&b, " port=%d", c.Port)
	}
	if len(c.Peers) > 0 {
		fmt.Fprintf(&b, " peers=%s", strings.Join(c.Peers, ","))
	}
	return b.String()
}

// Hub owns the dispatcher and the two outward event streams. Each stream has
// at most one active listener; setting a new one replaces the old.
type Hub struct {
	dispatcher *Dispatcher

	mu           sync.RWMutex
	onMessage    func(message.Message)
	onConnection func(ConnectionInfo)
}

// NewHub creates a hub with its own dispatcher goroutine
func NewHub() *Hub {
	return &Hub{dispatcher: NewDispatcher()}
}

// SetMessageListener sets the "message relayed" listener (nil clears it)
func (h *Hub) SetMessageListener(fn func(message.Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

// SetConnectionListener sets the "connection info changed" listener (nil clears it)
func (h *Hub) SetConnectionListener(fn func(ConnectionInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnection = fn
}

// EmitMessage queues delivery of a relayed message
func (h *Hub) EmitMessage(m message.Message) {
	h.dispatcher.Post(func() {
		h.mu.RLock()
		fn := h.onMessage
		h.mu.RUnlock()
		if fn != nil {
			fn(m)
		}
	})
}

// EmitConnection queues delivery of a connection summary
func (h *Hub) EmitConnection(info ConnectionInfo) {
	h.dispatcher.Post(func() {
		h.mu.RLock()
		fn := h.onConnection
		h.mu.RUnlock()
		if fn != nil {
			fn(info)
		}
	})
}

// Post runs fn on the delivery goroutine. Transports funnel driver
// completions through here.
func (h *Hub) Post(fn func()) bool {
	return h.dispatcher.Post(fn)
}

// Sync waits until everything posted so far has been delivered
func (h *Hub) Sync() {
	h.dispatcher.Sync()
}

// Close drains pending deliveries and stops the dispatcher
func (h *Hub) Close() {
	h.dispatcher.Close()
}
