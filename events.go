package p2p

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// EventKind discriminates the occurrences the scheduler observes while
// advancing the engine.
type EventKind int

const (
	// EventNewListenAddr reports a listening address that became active.
	EventNewListenAddr EventKind = iota
	// EventListenerClosed reports a listening address that shut down.
	EventListenerClosed
	// EventConnectionEstablished reports a new connection, inbound or outbound.
	EventConnectionEstablished
	// EventConnectionClosed reports a closed connection; Cause carries the
	// reason when one is known (e.g. a failed dial or upgrade timeout).
	EventConnectionClosed
	// EventPeerDiscovered reports a peer found via local mDNS discovery.
	EventPeerDiscovered
	// EventPeerIdentified reports a completed identify exchange.
	EventPeerIdentified
	// EventReachabilityChanged reports a NAT reachability verdict from
	// reachability probing.
	EventReachabilityChanged
	// EventPingFailed reports a liveness probe that did not come back.
	EventPingFailed
	// EventMessageReceived reports a gossipsub message on a subscribed topic.
	EventMessageReceived
	// EventRequestReceived reports an inbound request on the generic
	// request/response protocol.
	EventRequestReceived
	// EventBehaviour is the opaque variant for protocol occurrences not
	// otherwise modeled. Payload carries a textual description.
	EventBehaviour
)

var eventKindNames = map[EventKind]string{
	EventNewListenAddr:         "new_listen_addr",
	EventListenerClosed:        "listener_closed",
	EventConnectionEstablished: "connection_established",
	EventConnectionClosed:      "connection_closed",
	EventPeerDiscovered:        "peer_discovered",
	EventPeerIdentified:        "peer_identified",
	EventReachabilityChanged:   "reachability_changed",
	EventPingFailed:            "ping_failed",
	EventMessageReceived:       "message_received",
	EventRequestReceived:       "request_received",
	EventBehaviour:             "behaviour",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one occurrence observed while advancing the engine. Only the fields
// relevant to the Kind are populated; the zero value of the rest is left as is.
type Event struct {
	Kind    EventKind
	Peer    peer.ID
	Addr    multiaddr.Multiaddr
	Topic   string
	Payload []byte
	Cause   string
}
