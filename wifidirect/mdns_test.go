package wifidirect

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesTXTDomain(t *testing.T) {
	assert.True(t, matchesTXTDomain("_katapp._tcp"))
	assert.True(t, matchesTXTDomain("_katapp._tcp."))
	assert.True(t, matchesTXTDomain("_katappwifidirectservice._presence._tcp.local."))
	assert.True(t, matchesTXTDomain("_KatAppWiFiDirectService._presence._tcp.local."))
	assert.False(t, matchesTXTDomain("_printer._tcp.local."))
	assert.False(t, matchesTXTDomain(""))
}

func TestMDNSParseEntry(t *testing.T) {
	d := NewMDNSDriver(MDNSConfig{Address: "02:00:00:00:00:0a"})

	p := d.parseEntry(&mdns.ServiceEntry{
		Name:       "_katappwifidirectservice-02000000000b._presence._tcp.local.",
		AddrV4:     net.ParseIP("192.168.49.1"),
		Port:       40123,
		InfoFields: []string{"device=02:00:00:00:00:0b", "name=Pixel B", "listeningPort=40123"},
	})
	require.NotNil(t, p)
	assert.Equal(t, Device{Address: "02:00:00:00:00:0b", Name: "Pixel B"}, p.dev)
	assert.Equal(t, "192.168.49.1", p.host)
	assert.Equal(t, "_katappwifidirectservice-02000000000b", p.instance)
	assert.Equal(t, map[string]string{PortKey: "40123"}, p.txt)

	// Our own announcement and foreign services without a device are skipped
	assert.Nil(t, d.parseEntry(&mdns.ServiceEntry{InfoFields: []string{"device=02:00:00:00:00:0a"}}))
	assert.Nil(t, d.parseEntry(&mdns.ServiceEntry{Name: "printer._ipp._tcp.local."}))
	assert.Nil(t, d.parseEntry(nil))
}

func TestMDNSMergeReportsNewPeers(t *testing.T) {
	d := NewMDNSDriver(MDNSConfig{Address: "02:00:00:00:00:0a", PeerTTL: time.Minute})

	var mu sync.Mutex
	changed := 0
	var txt []map[string]string
	require.NoError(t, d.Initialize(Events{
		PeersChanged: func() {
			mu.Lock()
			changed++
			mu.Unlock()
		},
		TXTRecordAvailable: func(domain string, record map[string]string, dev Device) {
			mu.Lock()
			txt = append(txt, record)
			mu.Unlock()
			assert.True(t, matchesTXTDomain(domain))
		},
	}))
	d.serviceRequest, d.services = true, true

	peer := &mdnsPeer{
		dev:      Device{Address: "02:00:00:00:00:0b"},
		host:     "192.168.49.1",
		instance: ServiceInstance + "-02000000000b",
		txt:      map[string]string{PortKey: "40123"},
		seen:     time.Now(),
	}
	d.merge(map[string]*mdnsPeer{peer.dev.Address: peer})
	d.merge(map[string]*mdnsPeer{peer.dev.Address: peer})

	mu.Lock()
	assert.Equal(t, 1, changed, "a known peer is not a change")
	assert.Len(t, txt, 1)
	mu.Unlock()

	// The smaller address owns the logical group
	done := make(chan error, 1)
	d.Connect("02:00:00:00:00:0b", func(err error) { done <- err })
	require.NoError(t, <-done)
	info := make(chan Info, 1)
	d.RequestConnectionInfo(func(i Info) { info <- i })
	got := <-info
	assert.True(t, got.GroupFormed)
	assert.True(t, got.IsGroupOwner)

	d.RemoveGroup(func(err error) { done <- err })
	require.NoError(t, <-done)
	d.RemoveGroup(func(err error) { done <- err })
	assert.ErrorIs(t, <-done, ErrNoGroup)
}
