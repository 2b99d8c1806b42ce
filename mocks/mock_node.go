// Package mocks provides mock implementations of the node interfaces for
// testing consumers.
package mocks

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/mock"

	p2p "github.com/voxa-network/voxa-p2p"
)

// MockNode is a testify mock of the p2p.NodeI interface.
type MockNode struct {
	mock.Mock
}

var _ p2p.NodeI = (*MockNode)(nil)

// Start mocks the Start method
func (m *MockNode) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Stop mocks the Stop method
func (m *MockNode) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close mocks the Close method
func (m *MockNode) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// IsRunning mocks the IsRunning method
func (m *MockNode) IsRunning() bool {
	args := m.Called()
	return args.Bool(0)
}

// Listen mocks the Listen method
func (m *MockNode) Listen(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

// Dial mocks the Dial method
func (m *MockNode) Dial(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

// Subscribe mocks the Subscribe method
func (m *MockNode) Subscribe(ctx context.Context, topicName string) error {
	args := m.Called(ctx, topicName)
	return args.Error(0)
}

// Unsubscribe mocks the Unsubscribe method
func (m *MockNode) Unsubscribe(ctx context.Context, topicName string) error {
	args := m.Called(ctx, topicName)
	return args.Error(0)
}

// Publish mocks the Publish method
func (m *MockNode) Publish(ctx context.Context, topicName string, msgBytes []byte) error {
	args := m.Called(ctx, topicName, msgBytes)
	return args.Error(0)
}

// AddKnownAddress mocks the AddKnownAddress method
func (m *MockNode) AddKnownAddress(ctx context.Context, peerID, address string) error {
	args := m.Called(ctx, peerID, address)
	return args.Error(0)
}

// Bootstrap mocks the Bootstrap method
func (m *MockNode) Bootstrap(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// PutRecord mocks the PutRecord method
func (m *MockNode) PutRecord(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

// GetRecord mocks the GetRecord method
func (m *MockNode) GetRecord(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]byte), args.Error(1)
}

// SendRequest mocks the SendRequest method
func (m *MockNode) SendRequest(ctx context.Context, peerID peer.ID, request []byte) ([]byte, error) {
	args := m.Called(ctx, peerID, request)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]byte), args.Error(1)
}

// SetRequestHandler mocks the SetRequestHandler method
func (m *MockNode) SetRequestHandler(handler p2p.RequestHandler) {
	m.Called(handler)
}

// PeerID mocks the PeerID method
func (m *MockNode) PeerID() peer.ID {
	args := m.Called()
	return args.Get(0).(peer.ID)
}

// ConnectedPeers mocks the ConnectedPeers method
func (m *MockNode) ConnectedPeers() []p2p.PeerInfo {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]p2p.PeerInfo)
}

// Listeners mocks the Listeners method
func (m *MockNode) Listeners() []multiaddr.Multiaddr {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]multiaddr.Multiaddr)
}

// ExternalAddresses mocks the ExternalAddresses method
func (m *MockNode) ExternalAddresses() []multiaddr.Multiaddr {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]multiaddr.Multiaddr)
}

// DisconnectPeer mocks the DisconnectPeer method
func (m *MockNode) DisconnectPeer(ctx context.Context, peerID peer.ID) error {
	args := m.Called(ctx, peerID)
	return args.Error(0)
}

// BanPeer mocks the BanPeer method
func (m *MockNode) BanPeer(ctx context.Context, peerID peer.ID, duration time.Duration) error {
	args := m.Called(ctx, peerID, duration)
	return args.Error(0)
}

// UnbanPeer mocks the UnbanPeer method
func (m *MockNode) UnbanPeer(peerID peer.ID) {
	m.Called(peerID)
}

// DrainEvents mocks the DrainEvents method
func (m *MockNode) DrainEvents() []p2p.Event {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]p2p.Event)
}

// ConnectionStats mocks the ConnectionStats method
func (m *MockNode) ConnectionStats() map[peer.ID]uint64 {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).(map[peer.ID]uint64)
}

// Info mocks the Info method
func (m *MockNode) Info() p2p.NetworkInfo {
	args := m.Called()
	return args.Get(0).(p2p.NetworkInfo)
}

// LastSend mocks the LastSend method
func (m *MockNode) LastSend() time.Time {
	args := m.Called()
	return args.Get(0).(time.Time)
}

// LastRecv mocks the LastRecv method
func (m *MockNode) LastRecv() time.Time {
	args := m.Called()
	return args.Get(0).(time.Time)
}

// BytesSent mocks the BytesSent method
func (m *MockNode) BytesSent() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

// BytesReceived mocks the BytesReceived method
func (m *MockNode) BytesReceived() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}
