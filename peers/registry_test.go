package peers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReorderedSnapshotDoesNotTrigger(t *testing.T) {
	r := NewRegistry()
	r.ServiceFound(Peer{Address: "p1"})
	r.ServiceFound(Peer{Address: "p2"})

	_, changed := r.UpdatePeers([]Peer{{Address: "p1"}, {Address: "p2"}})
	assert.True(t, changed)

	_, changed = r.UpdatePeers([]Peer{{Address: "p2"}, {Address: "p1"}})
	assert.False(t, changed)
}

func TestGrowingSnapshotTriggers(t *testing.T) {
	r := NewRegistry()
	r.ServiceFound(Peer{Address: "p1"})
	r.ServiceFound(Peer{Address: "p2"})

	filtered, changed := r.UpdatePeers([]Peer{{Address: "p1"}})
	assert.True(t, changed)
	assert.Equal(t, []string{"p1"}, Addresses(filtered))

	filtered, changed = r.UpdatePeers([]Peer{{Address: "p1"}, {Address: "p2"}})
	assert.True(t, changed)
	assert.ElementsMatch(t, []string{"p1", "p2"}, Addresses(filtered))
}

func TestSignalsInAnyOrder(t *testing.T) {
	r := NewRegistry()

	// Raw list first: nothing matches yet.
	filtered, changed := r.UpdatePeers([]Peer{{Address: "p1", Name: "phone-1"}, {Address: "other"}})
	assert.Empty(t, filtered)
	assert.False(t, changed)

	assert.True(t, r.ServiceFound(Peer{Address: "p1", Meta: map[string]string{"listeningPort": "8888"}}))
	assert.False(t, r.ServiceFound(Peer{Address: "p1"}), "second signal is idempotent")

	filtered, changed = r.UpdatePeers([]Peer{{Address: "p1", Name: "phone-1"}, {Address: "other"}})
	assert.True(t, changed)
	require.Len(t, filtered, 1)
	assert.Equal(t, "phone-1", filtered[0].Name)
	assert.Equal(t, "8888", filtered[0].Meta["listeningPort"])
}

func TestRawListWithServiceFlagMatches(t *testing.T) {
	r := NewRegistry()
	filtered, changed := r.UpdatePeers([]Peer{{Address: "p1", Service: true}, {Address: "p2"}})
	assert.True(t, changed)
	assert.Equal(t, []string{"p1"}, Addresses(filtered))
}

func TestAbsentPeersAreForgotten(t *testing.T) {
	r := NewRegistry()
	r.ServiceFound(Peer{Address: "p1"})
	r.ServiceFound(Peer{Address: "p2"})
	r.UpdatePeers([]Peer{{Address: "p1"}, {Address: "p2"}})

	filtered, changed := r.UpdatePeers([]Peer{{Address: "p2"}})
	assert.True(t, changed)
	assert.Equal(t, []string{"p2"}, Addresses(filtered))

	_, ok := r.Lookup("p1")
	assert.False(t, ok)

	// Reappearing in the raw list alone is not enough.
	filtered, _ = r.UpdatePeers([]Peer{{Address: "p1"}, {Address: "p2"}})
	assert.Equal(t, []string{"p2"}, Addresses(filtered))
}

func TestBestIsMostRecentlyAdded(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Best()
	assert.False(t, ok)

	r.ServiceFound(Peer{Address: "old"})
	r.ServiceFound(Peer{Address: "new"})
	r.ServiceFound(Peer{Address: "old"})

	best, ok := r.Best()
	require.True(t, ok)
	assert.Equal(t, "new", best.Address)
	assert.Equal(t, []string{"new", "old"}, Addresses(r.Snapshot()))

	r.Forget("new")
	best, _ = r.Best()
	assert.Equal(t, "old", best.Address)

	r.Reset()
	assert.Zero(t, r.Len())
}

func TestRetrierPaces(t *testing.T) {
	rt := NewRetrier(time.Hour, 2)
	assert.True(t, rt.Allow())
	assert.True(t, rt.Allow())
	assert.False(t, rt.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rt.Wait(ctx))

	fast := NewRetrier(0, 1)
	require.NoError(t, fast.Wait(context.Background()))
	require.NoError(t, fast.Wait(context.Background()))
}
