package wifiaware_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/nearlink/events"
	"github.com/user/nearlink/lifecycle"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/radio"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/wifiaware"
)

type inbox struct {
	mu  sync.Mutex
	ids []int64
}

func (in *inbox) Ingest(frame []byte, src relay.Source) (message.Message, bool) {
	m, err := message.Decode(frame)
	if err != nil {
		return message.Message{}, false
	}
	in.mu.Lock()
	in.ids = append(in.ids, m.ID)
	in.mu.Unlock()
	return m, true
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.ids)
}

type node struct {
	session *wifiaware.Session
	driver  *radio.Aware
	device  *message.Device
	in      *inbox

	mu    sync.Mutex
	infos []events.ConnectionInfo
}

func (n *node) sawInfo(pred func(events.ConnectionInfo) bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.infos {
		if pred(c) {
			return true
		}
	}
	return false
}

func newAir(t *testing.T) *radio.Air {
	air := radio.NewAir()
	t.Cleanup(air.Close)
	return air
}

func newNode(t *testing.T, air *radio.Air, address string, cfg wifiaware.Config) *node {
	hub := events.NewHub()
	t.Cleanup(hub.Close)
	n := &node{
		driver: air.Aware(address),
		device: message.NewDevice("Pixel", message.WithToken(address)),
		in:     &inbox{},
	}
	hub.SetConnectionListener(func(c events.ConnectionInfo) {
		n.mu.Lock()
		n.infos = append(n.infos, c)
		n.mu.Unlock()
	})
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = radio.Host + ":0"
	}
	cfg.RetryInterval = 20 * time.Millisecond
	host := transport.Host{Address: address, Device: n.device, Hub: hub, Ingester: n.in}
	n.session = wifiaware.New(host, n.driver, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.session.Stop(ctx)
	})
	return n
}

func connected(n *node) func() bool {
	return func() bool {
		return n.session.State() == lifecycle.Active && len(n.session.Peers()) == 1
	}
}

func TestPublishSubscribeDataPath(t *testing.T) {
	air := newAir(t)
	a := newNode(t, air, "aware-a", wifiaware.Config{})
	b := newNode(t, air, "aware-b", wifiaware.Config{})

	ctx := context.Background()
	require.NoError(t, a.session.Start(ctx))
	require.NoError(t, b.session.Start(ctx))
	require.Eventually(t, connected(a), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(b), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"aware-b"}, a.session.Peers())

	// The subscriber learns the publisher's pre-bound port
	assert.True(t, a.sawInfo(func(c events.ConnectionInfo) bool {
		return c.PeerAddress == radio.Host && c.Port > 0
	}))

	local := relay.Source{Transport: relay.TransportLocal}
	assert.Equal(t, 1, a.session.Broadcast(a.device.NewMessage(16), local))
	assert.Equal(t, 1, b.session.Broadcast(b.device.NewMessage(16), local))
	require.Eventually(t, func() bool { return a.in.count() == 1 && b.in.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWrongPassphraseNeverConnects(t *testing.T) {
	air := newAir(t)
	a := newNode(t, air, "aware-a", wifiaware.Config{Passphrase: "not-the-password"})
	b := newNode(t, air, "aware-b", wifiaware.Config{})

	ctx := context.Background()
	require.NoError(t, a.session.Start(ctx))
	require.NoError(t, b.session.Start(ctx))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, a.session.Peers())
	assert.Empty(t, b.session.Peers())
	assert.NotEqual(t, lifecycle.Active, b.session.State())
}

func TestNetworkLossRediscovers(t *testing.T) {
	air := newAir(t)
	a := newNode(t, air, "aware-a", wifiaware.Config{})
	b := newNode(t, air, "aware-b", wifiaware.Config{})

	ctx := context.Background()
	require.NoError(t, a.session.Start(ctx))
	require.NoError(t, b.session.Start(ctx))
	require.Eventually(t, connected(a), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.session.Stop(ctx))
	assert.Equal(t, lifecycle.Idle, b.session.State())
	require.Eventually(t, func() bool {
		return a.session.State() == lifecycle.Discovering && len(a.session.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.session.Start(ctx))
	require.Eventually(t, connected(a), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(b), 5*time.Second, 10*time.Millisecond)
}

func TestAttachFailureIsReported(t *testing.T) {
	air := newAir(t)
	air.FailNext(radio.OpAttach, 1)
	a := newNode(t, air, "aware-a", wifiaware.Config{})

	require.NoError(t, a.session.Start(context.Background()))
	require.Eventually(t, func() bool {
		return a.sawInfo(func(c events.ConnectionInfo) bool { return c.Reason == "attach failed" })
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnavailable(t *testing.T) {
	air := newAir(t)
	a := newNode(t, air, "aware-a", wifiaware.Config{})
	a.driver.SetAvailable(false)

	require.NoError(t, a.session.Start(context.Background()))
	assert.Equal(t, lifecycle.Idle, a.session.State())
}

func TestUnsupportedDriverReportsUnavailable(t *testing.T) {
	hub := events.NewHub()
	t.Cleanup(hub.Close)
	var mu sync.Mutex
	var infos []events.ConnectionInfo
	hub.SetConnectionListener(func(c events.ConnectionInfo) {
		mu.Lock()
		infos = append(infos, c)
		mu.Unlock()
	})
	host := transport.Host{Address: "aware-x", Device: message.NewDevice("Pixel"), Hub: hub, Ingester: &inbox{}}
	s := wifiaware.New(host, wifiaware.Unsupported{}, wifiaware.Config{})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, lifecycle.Idle, s.State())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(infos) == 1 && infos[0].Reason == "unavailable"
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}
