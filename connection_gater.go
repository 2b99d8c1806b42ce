package p2p

import (
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ConnectionGater enforces the node's deny-list. Banned peers are refused at
// dial time and at accept time, so a ban actually prevents reconnection rather
// than only dropping the current connection. It also caps connections per
// peer.
type ConnectionGater struct {
	mu              sync.Mutex
	blockedPeers    map[peer.ID]time.Time
	blockedSubnets  []string
	maxConnsPerPeer int
	peerConns       map[peer.ID]int
	logger          Logger
}

// NewConnectionGater creates a gater with the given per-peer connection cap.
// A cap of zero disables the limit.
func NewConnectionGater(logger Logger, maxConnsPerPeer int) *ConnectionGater {
	return &ConnectionGater{
		blockedPeers:    make(map[peer.ID]time.Time),
		maxConnsPerPeer: maxConnsPerPeer,
		peerConns:       make(map[peer.ID]int),
		logger:          logger,
	}
}

// BlockPeer adds a peer to the deny-list until the duration elapses.
func (cg *ConnectionGater) BlockPeer(p peer.ID, duration time.Duration) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedPeers[p] = time.Now().Add(duration)
}

// UnblockPeer removes a peer from the deny-list.
func (cg *ConnectionGater) UnblockPeer(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	delete(cg.blockedPeers, p)
}

// BlockSubnet refuses connections to and from addresses in the subnet prefix.
func (cg *ConnectionGater) BlockSubnet(subnet string) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedSubnets = append(cg.blockedSubnets, subnet)
}

// IsBlocked reports whether the peer is currently on the deny-list.
func (cg *ConnectionGater) IsBlocked(p peer.ID) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	return cg.isPeerBlockedLocked(p)
}

func (cg *ConnectionGater) isPeerBlockedLocked(p peer.ID) bool {
	expiry, exists := cg.blockedPeers[p]
	if !exists {
		return false
	}

	if time.Now().Before(expiry) {
		return true
	}

	delete(cg.blockedPeers, p)

	return false
}

func (cg *ConnectionGater) isSubnetBlockedLocked(addr multiaddr.Multiaddr) bool {
	if len(cg.blockedSubnets) == 0 {
		return false
	}

	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}

	ipStr := ip.String()
	for _, subnet := range cg.blockedSubnets {
		if strings.HasPrefix(ipStr, subnet) {
			return true
		}
	}

	return false
}

// InterceptPeerDial is called before dialing a peer.
func (cg *ConnectionGater) InterceptPeerDial(p peer.ID) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isPeerBlockedLocked(p) {
		cg.logger.Debugf("[ConnectionGater] blocked dial to peer: %s", p)
		return false
	}

	return true
}

// InterceptAddrDial is called before dialing a specific address of a peer.
func (cg *ConnectionGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isPeerBlockedLocked(p) {
		cg.logger.Debugf("[ConnectionGater] blocked dial to %s for peer %s", addr, p)
		return false
	}

	if cg.isSubnetBlockedLocked(addr) {
		cg.logger.Debugf("[ConnectionGater] blocked dial to subnet: %s", addr)
		return false
	}

	return true
}

// InterceptAccept is called before accepting an inbound connection.
func (cg *ConnectionGater) InterceptAccept(connAddr network.ConnMultiaddrs) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isSubnetBlockedLocked(connAddr.RemoteMultiaddr()) {
		cg.logger.Debugf("[ConnectionGater] blocked accept from subnet: %s", connAddr.RemoteMultiaddr())
		return false
	}

	return true
}

// InterceptSecured is called after the security handshake, when the remote
// identity is known. Banned peers and peers over the connection cap are
// refused here.
func (cg *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isPeerBlockedLocked(p) {
		cg.logger.Debugf("[ConnectionGater] blocked secured connection from peer: %s", p)
		return false
	}

	if cg.maxConnsPerPeer > 0 {
		if cg.peerConns[p] >= cg.maxConnsPerPeer {
			cg.logger.Debugf("[ConnectionGater] peer %s exceeded max connections (%d)", p, cg.maxConnsPerPeer)
			return false
		}

		cg.peerConns[p]++
	}

	return true
}

// InterceptUpgraded is called after protocol negotiation.
func (cg *ConnectionGater) InterceptUpgraded(_ network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)
