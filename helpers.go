package p2p

import (
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

func atomicAdd(counter *uint64, delta uint64) {
	atomic.AddUint64(counter, delta)
}

func atomicStoreNow(ts *int64) {
	atomic.StoreInt64(ts, time.Now().Unix())
}

// LastSend returns the timestamp of the last payload sent.
func (n *Node) LastSend() time.Time {
	return time.Unix(atomic.LoadInt64(&n.lastSend), 0)
}

// LastRecv returns the timestamp of the last payload received.
func (n *Node) LastRecv() time.Time {
	return time.Unix(atomic.LoadInt64(&n.lastRecv), 0)
}

// BytesSent returns the total payload bytes sent by this node.
func (n *Node) BytesSent() uint64 {
	return atomic.LoadUint64(&n.bytesSent)
}

// BytesReceived returns the total payload bytes received by this node.
func (n *Node) BytesReceived() uint64 {
	return atomic.LoadUint64(&n.bytesReceived)
}

func hasConnection(h host.Host, peerID peer.ID) bool {
	return h.Network().Connectedness(peerID) == network.Connected
}

func addrStrings(addrs []multiaddr.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}

	return out
}

func extractIPFromMultiaddr(maddr multiaddr.Multiaddr) string {
	parts := strings.Split(maddr.String(), "/")
	for i, part := range parts {
		if part == "ip4" || part == "ip6" {
			if i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}

	return ""
}

// isPrivateIP checks if an address sits in a private range per RFC 1918 and
// RFC 3927.
func isPrivateIP(addr multiaddr.Multiaddr) bool {
	ipStr := extractIPFromMultiaddr(addr)
	if ipStr == "" {
		return false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil || ip.To4() == nil {
		return false
	}

	privateRanges := []*net.IPNet{
		{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
		{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("169.254.0.0"), Mask: net.CIDRMask(16, 32)},
	}

	for _, r := range privateRanges {
		if r.Contains(ip) {
			return true
		}
	}

	return false
}
