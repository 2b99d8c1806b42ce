package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnAddrs satisfies network.ConnMultiaddrs for accept-side gater tests.
type fakeConnAddrs struct {
	local  multiaddr.Multiaddr
	remote multiaddr.Multiaddr
}

func (f fakeConnAddrs) LocalMultiaddr() multiaddr.Multiaddr  { return f.local }
func (f fakeConnAddrs) RemoteMultiaddr() multiaddr.Multiaddr { return f.remote }

// TestConnectionGaterBlocksPeer verifies a blocked peer is refused on dial and
// on the secured inbound path.
func TestConnectionGaterBlocksPeer(t *testing.T) {
	gater := NewConnectionGater(createTestLogger(t), 0)
	peerID := generateTestPeerID(t)

	assert.True(t, gater.InterceptPeerDial(peerID))
	assert.False(t, gater.IsBlocked(peerID))

	gater.BlockPeer(peerID, time.Hour)

	assert.True(t, gater.IsBlocked(peerID))
	assert.False(t, gater.InterceptPeerDial(peerID))
	assert.False(t, gater.InterceptSecured(network.DirInbound, peerID, nil))

	gater.UnblockPeer(peerID)

	assert.False(t, gater.IsBlocked(peerID))
	assert.True(t, gater.InterceptPeerDial(peerID))
}

// TestConnectionGaterBanExpires verifies a ban lapses on its own once the
// duration passes.
func TestConnectionGaterBanExpires(t *testing.T) {
	gater := NewConnectionGater(createTestLogger(t), 0)
	peerID := generateTestPeerID(t)

	gater.BlockPeer(peerID, 30*time.Millisecond)
	require.True(t, gater.IsBlocked(peerID))

	time.Sleep(50 * time.Millisecond)

	assert.False(t, gater.IsBlocked(peerID))
	assert.True(t, gater.InterceptPeerDial(peerID))
}

// TestConnectionGaterBlocksSubnet verifies subnet blocks apply to dialing and
// accepting.
func TestConnectionGaterBlocksSubnet(t *testing.T) {
	gater := NewConnectionGater(createTestLogger(t), 0)
	peerID := generateTestPeerID(t)

	blocked, err := multiaddr.NewMultiaddr("/ip4/10.1.2.3/tcp/8333")
	require.NoError(t, err)

	allowed, err := multiaddr.NewMultiaddr("/ip4/8.8.8.8/tcp/8333")
	require.NoError(t, err)

	gater.BlockSubnet("10.")

	assert.False(t, gater.InterceptAddrDial(peerID, blocked))
	assert.True(t, gater.InterceptAddrDial(peerID, allowed))

	assert.False(t, gater.InterceptAccept(fakeConnAddrs{remote: blocked}))
	assert.True(t, gater.InterceptAccept(fakeConnAddrs{remote: allowed}))
}

// TestConnectionGaterMaxConnsPerPeer verifies the per-peer connection cap on
// the secured path.
func TestConnectionGaterMaxConnsPerPeer(t *testing.T) {
	gater := NewConnectionGater(createTestLogger(t), 2)
	peerID := generateTestPeerID(t)

	assert.True(t, gater.InterceptSecured(network.DirInbound, peerID, nil))
	assert.True(t, gater.InterceptSecured(network.DirInbound, peerID, nil))
	assert.False(t, gater.InterceptSecured(network.DirInbound, peerID, nil))

	// Other peers are unaffected.
	other := generateTestPeerID(t)
	assert.True(t, gater.InterceptSecured(network.DirOutbound, other, nil))
}

// TestConnectionGaterUpgradedAlwaysAllows verifies the post-upgrade hook never
// rejects.
func TestConnectionGaterUpgradedAlwaysAllows(t *testing.T) {
	gater := NewConnectionGater(createTestLogger(t), 0)

	allow, reason := gater.InterceptUpgraded(nil)
	assert.True(t, allow)
	assert.Zero(t, reason)
}
