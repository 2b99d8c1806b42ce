package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// NodeI abstracts the node's control surface so consumers can swap in mocks.
// It covers lifecycle, addressing, messaging, DHT records, peer management
// and the event/stats read side.
type NodeI interface {
	// Core lifecycle methods
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
	IsRunning() bool

	// Addressing
	Listen(ctx context.Context, address string) error
	Dial(ctx context.Context, address string) error

	// Publish/subscribe
	Subscribe(ctx context.Context, topicName string) error
	Unsubscribe(ctx context.Context, topicName string) error
	Publish(ctx context.Context, topicName string, msgBytes []byte) error

	// DHT
	AddKnownAddress(ctx context.Context, peerID, address string) error
	Bootstrap(ctx context.Context) error
	PutRecord(ctx context.Context, key string, value []byte) error
	GetRecord(ctx context.Context, key string) ([]byte, error)

	// Request/response
	SendRequest(ctx context.Context, peerID peer.ID, request []byte) ([]byte, error)
	SetRequestHandler(handler RequestHandler)

	// Peer management
	PeerID() peer.ID
	ConnectedPeers() []PeerInfo
	Listeners() []multiaddr.Multiaddr
	ExternalAddresses() []multiaddr.Multiaddr
	DisconnectPeer(ctx context.Context, peerID peer.ID) error
	BanPeer(ctx context.Context, peerID peer.ID, duration time.Duration) error
	UnbanPeer(peerID peer.ID)

	// Events and stats
	DrainEvents() []Event
	ConnectionStats() map[peer.ID]uint64
	Info() NetworkInfo
	LastSend() time.Time
	LastRecv() time.Time
	BytesSent() uint64
	BytesReceived() uint64
}

var _ NodeI = (*Node)(nil)
