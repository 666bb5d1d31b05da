package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/nearlink/message"
	"github.com/user/nearlink/metrics"
)

type recorder struct {
	mu        sync.Mutex
	delivered []message.Message
	sent      []Source
}

func (r *recorder) EmitMessage(m message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, m)
}

func (r *recorder) Broadcast(m message.Message, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, src)
}

func newRelay(t *testing.T) (*Relay, *recorder, *message.Device, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	local := message.NewDevice("Local", message.WithClock(mock), message.WithToken("11111111"))
	rec := &recorder{}
	r := New(local, rec, metrics.New())
	r.SetBroadcaster(rec)
	return r, rec, local, mock
}

func TestIngestTwiceDeliversOnce(t *testing.T) {
	r, rec, _, _ := newRelay(t)
	remote := message.NewDevice("Remote", message.WithToken("22222222"))

	frame := message.MustEncode(remote.NewMessage(10))
	src := Source{Transport: "ble", Conn: "peer-a"}

	_, ok := r.Ingest(frame, src)
	require.True(t, ok)
	_, ok = r.Ingest(frame, Source{Transport: "wifi_direct", Conn: "peer-b"})
	assert.False(t, ok)

	require.Len(t, rec.delivered, 1)
	require.Len(t, rec.sent, 1)
	assert.Equal(t, src, rec.sent[0])
	assert.Equal(t, 1, r.Len())
}

func TestIngestStampsForeignMessages(t *testing.T) {
	r, rec, _, mock := newRelay(t)
	remote := message.NewDevice("Remote", message.WithClock(mock), message.WithToken("22222222"))

	m := remote.NewMessage(1)
	mock.Add(40 * time.Millisecond)

	got, ok := r.Ingest(message.MustEncode(m), Source{Transport: "ble", Conn: "x"})
	require.True(t, ok)
	require.NotNil(t, got.TimeReceived)
	lat, ok := got.Latency()
	require.True(t, ok)
	assert.Equal(t, 40*time.Millisecond, lat)
	assert.True(t, rec.delivered[0].Received())
}

func TestIngestNeverStampsOwnMessages(t *testing.T) {
	r, rec, local, _ := newRelay(t)

	got, ok := r.Ingest(message.MustEncode(local.NewMessage(1)), Source{Transport: "wifi_aware", Conn: "x"})
	require.True(t, ok)
	assert.Nil(t, got.TimeReceived)
	assert.Nil(t, rec.delivered[0].TimeReceived)
}

func TestIngestKeepsFirstReceipt(t *testing.T) {
	r, _, _, mock := newRelay(t)
	remote := message.NewDevice("Remote", message.WithClock(mock))
	hop := message.NewDevice("Hop", message.WithClock(mock))

	first := hop.Receive(remote.NewMessage(1))
	mock.Add(time.Second)

	got, ok := r.Ingest(message.MustEncode(first), Source{Transport: "ble"})
	require.True(t, ok)
	assert.Equal(t, first.TimeReceived.UnixMilli(), got.TimeReceived.UnixMilli())
}

func TestIngestDropsMalformed(t *testing.T) {
	r, rec, _, _ := newRelay(t)

	_, ok := r.Ingest([]byte(`{"id":`), Source{Transport: "wifi_direct"})
	assert.False(t, ok)
	_, ok = r.Ingest([]byte(`}`), Source{Transport: "wifi_direct"})
	assert.False(t, ok)
	assert.Empty(t, rec.delivered)
	assert.Zero(t, r.Len())
}

func TestSameIDDifferentSenderIsDistinct(t *testing.T) {
	r, rec, _, _ := newRelay(t)
	a := message.NewDevice("A")
	b := message.NewDevice("B")

	r.Ingest(message.MustEncode(a.NewMessage(1)), Source{Transport: "ble"})
	r.Ingest(message.MustEncode(b.NewMessage(1)), Source{Transport: "ble"})
	assert.Len(t, rec.delivered, 2)
	assert.True(t, r.Seen(message.Key{ID: 0, Sender: a.Sender()}))
}

func TestConcurrentIngestDeliversOnce(t *testing.T) {
	r, rec, _, _ := newRelay(t)
	remote := message.NewDevice("Remote")
	frame := message.MustEncode(remote.NewMessage(5))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Ingest(frame, Source{Transport: "ble"})
		}()
	}
	wg.Wait()
	assert.Len(t, rec.delivered, 1)
}
