// Package p2p provides a peer-to-peer node runtime built on libp2p. It composes
// liveness probing, peer identification, a Kademlia DHT, gossipsub messaging,
// mDNS local discovery, hole punching and NAT reachability probing behind a
// single synchronous control surface, while a background scheduler drains the
// composed engine into a bounded event log and per-peer connection statistics.
package p2p
