package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Relayed("ble", 20*time.Millisecond, true, 12, true)
	m.Relayed("ble", 0, false, 0, false)
	m.Dropped("ble", ReasonDuplicate)
	m.Dropped("wifi_direct", ReasonMalformed)
	m.BytesIn("ble", 100)
	m.SetPeers("ble", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayed.WithLabelValues("ble")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("ble", ReasonDuplicate)))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.bytesIn.WithLabelValues("ble")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.peers.WithLabelValues("ble")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.distance))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Relayed("ble", time.Second, true, 1, true)
	m.Dropped("ble", ReasonMalformed)
	m.SetPeers("ble", 1)
}

func TestHandler(t *testing.T) {
	m := New()
	m.Relayed("wifi_aware", time.Millisecond, true, 0, false)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nearlink_messages_relayed_total{transport="wifi_aware"} 1`)
}
