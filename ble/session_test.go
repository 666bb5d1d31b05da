package ble_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/nearlink/ble"
	"github.com/user/nearlink/events"
	"github.com/user/nearlink/lifecycle"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/util"
)

type inbox struct {
	mu   sync.Mutex
	msgs []message.Message
	src  []relay.Source
}

func (in *inbox) Ingest(frame []byte, src relay.Source) (message.Message, bool) {
	m, err := message.Decode(frame)
	if err != nil {
		return message.Message{}, false
	}
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.src = append(in.src, src)
	in.mu.Unlock()
	return m, true
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

type node struct {
	session *ble.Session
	device  *message.Device
	in      *inbox
	mu      sync.Mutex
	infos   []events.ConnectionInfo
}

func (n *node) has(pred func(events.ConnectionInfo) bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.infos {
		if pred(c) {
			return true
		}
	}
	return false
}

// radioDir points the simulated radio at a fresh directory short enough
// for unix socket paths
func radioDir(t *testing.T) {
	dir, err := os.MkdirTemp("", "nl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv(util.DataDirEnv, dir)
}

func newNode(t *testing.T, address string, cfg ble.Config) *node {
	hub := events.NewHub()
	t.Cleanup(hub.Close)
	n := &node{
		device: message.NewDevice("Pixel", message.WithToken(address)),
		in:     &inbox{},
	}
	hub.SetConnectionListener(func(c events.ConnectionInfo) {
		n.mu.Lock()
		n.infos = append(n.infos, c)
		n.mu.Unlock()
	})
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 20 * time.Millisecond
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 20 * time.Millisecond
	}
	host := transport.Host{Address: address, Device: n.device, Hub: hub, Ingester: n.in}
	n.session = ble.New(host, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.session.Stop(ctx)
	})
	return n
}

func active(n *node) func() bool {
	return func() bool {
		return n.session.State() == lifecycle.Active && len(n.session.Peers()) == 1
	}
}

func TestTwoDevicesLinkAndExchangeChunkedRecords(t *testing.T) {
	radioDir(t)
	a := newNode(t, "ble-a", ble.Config{MTU: 64})
	b := newNode(t, "ble-b", ble.Config{})

	ctx := context.Background()
	require.NoError(t, a.session.Start(ctx))
	require.NoError(t, b.session.Start(ctx))
	require.Eventually(t, active(a), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, active(b), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ble-b"}, a.session.Peers())
	assert.Equal(t, []string{"ble-a"}, b.session.Peers())

	local := relay.Source{Transport: relay.TransportLocal}

	// Client to server as write commands, far larger than the MTU
	big := a.device.NewMessage(1000)
	assert.Equal(t, 1, a.session.Broadcast(big, local))
	require.Eventually(t, func() bool { return b.in.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	b.in.mu.Lock()
	assert.Equal(t, big.Payload, b.in.msgs[0].Payload)
	assert.Equal(t, relay.Source{Transport: string(transport.BLE), Conn: "s:ble-a"}, b.in.src[0])
	b.in.mu.Unlock()

	// Server to client as notifications, once the client subscribed
	back := b.device.NewMessage(700)
	require.Eventually(t, func() bool { return b.session.Broadcast(back, local) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.in.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.in.mu.Lock()
	assert.Equal(t, back.Payload, a.in.msgs[0].Payload)
	assert.Equal(t, relay.Source{Transport: string(transport.BLE), Conn: "c:ble-b"}, a.in.src[0])
	a.in.mu.Unlock()

	// Never echoed back on the link a record arrived on
	assert.Equal(t, 0, b.session.Broadcast(big, relay.Source{Transport: string(transport.BLE), Conn: "s:ble-a"}))
	assert.Equal(t, 0, a.session.Broadcast(back, relay.Source{Transport: string(transport.BLE), Conn: "c:ble-b"}))
}

func TestPeerLossAndReconnect(t *testing.T) {
	radioDir(t)
	a := newNode(t, "ble-a", ble.Config{})
	b := newNode(t, "ble-b", ble.Config{})

	ctx := context.Background()
	require.NoError(t, a.session.Start(ctx))
	require.NoError(t, b.session.Start(ctx))
	require.Eventually(t, active(b), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.session.Stop(ctx))
	assert.Equal(t, lifecycle.Idle, a.session.State())
	assert.Empty(t, a.session.Peers())
	require.Eventually(t, func() bool {
		return b.session.State() == lifecycle.Discovering && len(b.session.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.has(func(c events.ConnectionInfo) bool { return c.IsEmpty() && c.Reason == "connection lost" })
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.session.Start(ctx))
	require.Eventually(t, active(a), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, active(b), 5*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	radioDir(t)
	a := newNode(t, "ble-a", ble.Config{})

	ctx := context.Background()
	require.NoError(t, a.session.Start(ctx))
	require.NoError(t, a.session.Start(ctx), "second start is a no-op")
	assert.Equal(t, lifecycle.Discovering, a.session.State())

	require.NoError(t, a.session.Stop(ctx))
	require.NoError(t, a.session.Stop(ctx))
	assert.Equal(t, lifecycle.Idle, a.session.State())
	require.Eventually(t, func() bool {
		return a.has(func(c events.ConnectionInfo) bool { return c.Reason == "stopped" })
	}, time.Second, 5*time.Millisecond)
}

func TestStartUnavailable(t *testing.T) {
	radioDir(t)
	a := newNode(t, "ble-a", ble.Config{Available: func() bool { return false }})

	require.NoError(t, a.session.Start(context.Background()))
	assert.Equal(t, lifecycle.Idle, a.session.State())
	require.Eventually(t, func() bool {
		return a.has(func(c events.ConnectionInfo) bool { return !c.Available && c.Reason == "unavailable" })
	}, time.Second, 5*time.Millisecond)
}
