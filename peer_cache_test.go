package p2p

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPeerCacheAddOrUpdatePeer verifies connection outcomes update the entry
// in place.
func TestPeerCacheAddOrUpdatePeer(t *testing.T) {
	cache := NewPeerCache()
	peerID := generateTestPeerID(t)
	addrs := []string{"/ip4/127.0.0.1/tcp/8333"}

	cache.AddOrUpdatePeer(peerID, addrs, true)
	require.Equal(t, 1, cache.Count())

	entry := cache.Peers[0]
	assert.Equal(t, peerID.String(), entry.ID)
	assert.Equal(t, addrs, entry.Addresses)
	assert.Equal(t, 1, entry.ConnectionCount)
	assert.Equal(t, 0, entry.FailureCount)

	// A failure bumps the failure count without duplicating the entry.
	cache.AddOrUpdatePeer(peerID, nil, false)
	require.Equal(t, 1, cache.Count())
	assert.Equal(t, 1, cache.Peers[0].FailureCount)

	// A later success resets it.
	cache.AddOrUpdatePeer(peerID, addrs, true)
	assert.Equal(t, 0, cache.Peers[0].FailureCount)
	assert.Equal(t, 2, cache.Peers[0].ConnectionCount)
}

// TestPeerCacheGetBestPeers verifies ordering and filtering of candidates.
func TestPeerCacheGetBestPeers(t *testing.T) {
	cache := NewPeerCache()

	reliable := generateTestPeerID(t)
	flaky := generateTestPeerID(t)
	neverConnected := generateTestPeerID(t)
	failing := generateTestPeerID(t)

	for i := 0; i < 5; i++ {
		cache.AddOrUpdatePeer(reliable, []string{"/ip4/10.0.0.1/tcp/1"}, true)
	}

	cache.AddOrUpdatePeer(flaky, []string{"/ip4/10.0.0.2/tcp/2"}, true)
	cache.AddOrUpdatePeer(flaky, nil, false)

	cache.AddOrUpdatePeer(neverConnected, []string{"/ip4/10.0.0.3/tcp/3"}, false)

	for i := 0; i < 5; i++ {
		cache.AddOrUpdatePeer(failing, nil, false)
	}

	best := cache.GetBestPeers(10, time.Hour)
	require.Len(t, best, 3)

	// Connected peers come first, ordered by success ratio; the peer with five
	// straight failures is filtered out entirely.
	assert.Equal(t, reliable.String(), best[0].ID)
	assert.Equal(t, flaky.String(), best[1].ID)
	assert.Equal(t, neverConnected.String(), best[2].ID)

	limited := cache.GetBestPeers(1, time.Hour)
	require.Len(t, limited, 1)
	assert.Equal(t, reliable.String(), limited[0].ID)
}

// TestPeerCacheGetBestPeersTTL verifies stale entries are excluded.
func TestPeerCacheGetBestPeersTTL(t *testing.T) {
	cache := NewPeerCache()
	peerID := generateTestPeerID(t)

	cache.AddOrUpdatePeer(peerID, []string{"/ip4/10.0.0.1/tcp/1"}, true)
	cache.Peers[0].LastSeen = time.Now().Add(-2 * time.Hour)

	assert.Empty(t, cache.GetBestPeers(10, time.Hour))
}

// TestPeerCachePrune verifies pruning drops stale and unreliable entries and
// enforces the cap.
func TestPeerCachePrune(t *testing.T) {
	cache := NewPeerCache()

	for i := 0; i < 5; i++ {
		cache.AddOrUpdatePeer(generateTestPeerID(t), nil, true)
	}

	stale := generateTestPeerID(t)
	cache.AddOrUpdatePeer(stale, nil, true)
	cache.Peers[5].LastSeen = time.Now().Add(-48 * time.Hour)

	cache.Prune(3, 24*time.Hour)

	assert.Equal(t, 3, cache.Count())

	for _, p := range cache.Peers {
		assert.NotEqual(t, stale.String(), p.ID)
	}
}

// TestPeerCacheRemovePeer verifies targeted removal.
func TestPeerCacheRemovePeer(t *testing.T) {
	cache := NewPeerCache()

	keep := generateTestPeerID(t)
	drop := generateTestPeerID(t)

	cache.AddOrUpdatePeer(keep, nil, true)
	cache.AddOrUpdatePeer(drop, nil, true)

	cache.RemovePeer(drop)

	require.Equal(t, 1, cache.Count())
	assert.Equal(t, keep.String(), cache.Peers[0].ID)
}

// TestPeerCacheSaveLoadRoundTrip verifies the cache survives a save and load
// cycle.
func TestPeerCacheSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers", "cache.json")

	cache := NewPeerCache()
	peerID := generateTestPeerID(t)
	cache.AddOrUpdatePeer(peerID, []string{"/ip4/127.0.0.1/tcp/8333"}, true)

	require.NoError(t, cache.Save(path))

	loaded, err := LoadPeerCache(path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Count())
	assert.Equal(t, peerID.String(), loaded.Peers[0].ID)
	assert.Equal(t, PeerCacheVersion, loaded.Version)
}

// TestLoadPeerCacheMissingFile verifies a missing file yields an empty cache
// rather than an error.
func TestLoadPeerCacheMissingFile(t *testing.T) {
	loaded, err := LoadPeerCache(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Count())
}
