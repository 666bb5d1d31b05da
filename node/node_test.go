package node_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/user/nearlink/lifecycle"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/node"
	"github.com/user/nearlink/radio"
	"github.com/user/nearlink/relay"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/wifiaware"
	"github.com/user/nearlink/wifidirect"
)

type fakeSession struct {
	kind      transport.Kind
	stopErr   error
	stopDelay time.Duration

	mu      sync.Mutex
	state   lifecycle.State
	sent    []message.Message
	sources []relay.Source
}

func (f *fakeSession) Kind() transport.Kind { return f.kind }

func (f *fakeSession) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = lifecycle.Active
	return nil
}

func (f *fakeSession) Stop(ctx context.Context) error {
	if f.stopDelay > 0 {
		select {
		case <-time.After(f.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = lifecycle.Idle
	return f.stopErr
}

func (f *fakeSession) State() lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Broadcast(m message.Message, except relay.Source) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != lifecycle.Active {
		return 0
	}
	f.sent = append(f.sent, m)
	f.sources = append(f.sources, except)
	return 1
}

func (f *fakeSession) Peers() []string { return nil }

type messages struct {
	mu  sync.Mutex
	got []message.Message
}

func (m *messages) add(msg message.Message) {
	m.mu.Lock()
	m.got = append(m.got, msg)
	m.mu.Unlock()
}

func (m *messages) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func newNode(t *testing.T, opts ...node.Option) *node.Node {
	n := node.New(message.NewDevice("Pixel"), opts...)
	t.Cleanup(func() { n.Close(context.Background()) })
	return n
}

func TestRegisterOneSessionPerKind(t *testing.T) {
	n := newNode(t)
	require.NoError(t, n.Register(&fakeSession{kind: transport.BLE}))
	err := n.Register(&fakeSession{kind: transport.BLE})
	assert.ErrorIs(t, err, node.ErrAlreadyRegistered)

	assert.ErrorIs(t, n.Start(context.Background(), transport.WiFiAware), node.ErrNotRegistered)
	assert.ErrorIs(t, n.Stop(context.Background(), transport.WiFiAware), node.ErrNotRegistered)
}

func TestDefaultAddressIsUnique(t *testing.T) {
	a, b := newNode(t), newNode(t)
	assert.NotEmpty(t, a.Address())
	assert.NotEqual(t, a.Address(), b.Address())
	assert.Equal(t, "fixed", newNode(t, node.WithAddress("fixed")).Host().Address)
}

func TestSubmitMessageRelaysExactlyOnce(t *testing.T) {
	n := newNode(t)
	ble := &fakeSession{kind: transport.BLE}
	direct := &fakeSession{kind: transport.WiFiDirect}
	require.NoError(t, n.Register(ble))
	require.NoError(t, n.Register(direct))
	require.NoError(t, n.Start(context.Background(), transport.BLE))

	got := &messages{}
	n.SetMessageListener(got.add)

	m := n.CreateMessage(16)
	data, err := message.Encode(m)
	require.NoError(t, err)

	delivered, err := n.SubmitMessage(data)
	require.NoError(t, err)
	assert.True(t, delivered.Equal(m))
	assert.False(t, delivered.Received(), "own messages are never stamped")

	_, err = n.SubmitMessage(data)
	assert.ErrorIs(t, err, node.ErrDuplicate)

	_, err = n.SubmitMessage([]byte(`{"payload":"x"}`))
	assert.ErrorIs(t, err, message.ErrMalformed)

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)

	// Only the started session broadcast it, flagged as local
	assert.Len(t, ble.sent, 1)
	assert.Equal(t, relay.Source{Transport: relay.TransportLocal}, ble.sources[0])
	assert.Empty(t, direct.sent)
}

func TestSendCreatesFreshMessages(t *testing.T) {
	n := newNode(t)
	first, err := n.Send(4)
	require.NoError(t, err)
	second, err := n.Send(4)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, n.Relay().Len())
}

func TestCloseJoinsStopErrors(t *testing.T) {
	n := node.New(message.NewDevice("Pixel"))
	errBLE := errors.New("ble stuck")
	errAware := errors.New("aware stuck")
	require.NoError(t, n.Register(&fakeSession{kind: transport.BLE, stopErr: errBLE}))
	require.NoError(t, n.Register(&fakeSession{kind: transport.WiFiDirect}))
	require.NoError(t, n.Register(&fakeSession{kind: transport.WiFiAware, stopErr: errAware}))
	require.NoError(t, n.StartAll(context.Background()))

	err := n.Close(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorIs(t, err, errBLE)
	assert.ErrorIs(t, err, errAware)
}

func TestCloseFailureDoesNotCancelOtherStops(t *testing.T) {
	n := node.New(message.NewDevice("Pixel"))
	errBLE := errors.New("ble stuck")
	slow := &fakeSession{kind: transport.WiFiDirect, stopDelay: 50 * time.Millisecond}
	require.NoError(t, n.Register(&fakeSession{kind: transport.BLE, stopErr: errBLE}))
	require.NoError(t, n.Register(slow))
	require.NoError(t, n.StartAll(context.Background()))

	err := n.Close(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.ErrorIs(t, err, errBLE)
	assert.Equal(t, lifecycle.Idle, slow.State(), "the slow session finished its stop")
}

// A reaches B over Wi-Fi Direct, B reaches C over Wi-Fi Aware: a message
// created on A arrives on C through B's fan-out.
func TestRelayAcrossTransports(t *testing.T) {
	air := radio.NewAir()
	t.Cleanup(air.Close)

	const (
		addrA = "02:00:00:00:00:0a"
		addrB = "02:00:00:00:00:0b"
		addrC = "02:00:00:00:00:0c"
	)
	a, b, c := newNode(t, node.WithAddress(addrA)), newNode(t, node.WithAddress(addrB)), newNode(t, node.WithAddress(addrC))

	directCfg := wifidirect.Config{ListenAddress: radio.Host + ":0", RetryInterval: 20 * time.Millisecond}
	awareCfg := wifiaware.Config{ListenAddress: radio.Host + ":0", RetryInterval: 20 * time.Millisecond}
	require.NoError(t, a.Register(wifidirect.New(a.Host(), air.P2P(addrA, "A"), directCfg)))
	require.NoError(t, b.Register(wifidirect.New(b.Host(), air.P2P(addrB, "B"), directCfg)))
	require.NoError(t, b.Register(wifiaware.New(b.Host(), air.Aware(addrB), awareCfg)))
	require.NoError(t, c.Register(wifiaware.New(c.Host(), air.Aware(addrC), awareCfg)))

	ctx := context.Background()
	for _, n := range []*node.Node{a, b, c} {
		require.NoError(t, n.StartAll(ctx))
	}

	linked := func(n *node.Node, kind transport.Kind) func() bool {
		return func() bool {
			s, _ := n.Session(kind)
			return s.State() == lifecycle.Active && len(s.Peers()) == 1
		}
	}
	require.Eventually(t, linked(a, transport.WiFiDirect), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, linked(b, transport.WiFiDirect), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, linked(b, transport.WiFiAware), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, linked(c, transport.WiFiAware), 5*time.Second, 10*time.Millisecond)

	got := &messages{}
	c.SetMessageListener(got.add)

	sent, err := a.Send(64)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.True(t, got.got[0].Equal(sent))
	assert.True(t, got.got[0].Received(), "stamped by the first foreign device")
	assert.True(t, b.Relay().Seen(sent.Key()))
}
