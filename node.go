package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

// NewNode creates and initializes a node with the provided configuration.
// It composes the full stack behind the engine:
//   - the node's cryptographic identity (generated or decoded from config)
//   - TCP and WebSocket transports with noise security and yamux multiplexing
//   - the Kademlia DHT, gossipsub, ping, identify, mDNS, hole punching and
//     NAT reachability handlers
//   - the deny-list connection gater and the connection manager
//
// The returned node is idle: the engine sits in its slot and no scheduler is
// running until Start is called.
func NewNode(ctx context.Context, logger Logger, config Config) (*Node, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Infof("[Node] Creating node")

	var (
		pk  crypto.PrivKey
		err error
	)

	if config.PrivateKey == "" {
		pk, err = generatePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("[Node] error generating private key: %w", err)
		}
	} else {
		pk, err = decodeHexEd25519PrivateKey(config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("[Node] error decoding private key: %w", err)
		}
	}

	gater := NewConnectionGater(logger, config.MaxConnsPerPeer)

	mgr, err := connmgr.NewConnManager(config.ConnLowWater, config.ConnHighWater,
		connmgr.WithGracePeriod(config.GracePeriod))
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(pk),
		libp2p.ListenAddrStrings(config.ListenAddresses...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(ws.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.WithDialTimeout(config.ConnectionUpgradeTimeout),
		libp2p.ConnectionGater(gater),
		libp2p.ConnectionManager(mgr),
	}

	if config.EnableNATService {
		opts = append(opts, libp2p.EnableNATService())
	}

	if config.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating libp2p host: %w", err)
	}

	node, err := assembleNode(ctx, logger, config, h, gater)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	logger.Infof("[Node] peer ID: %s", h.ID().String())

	for _, addr := range h.Addrs() {
		logger.Infof("[Node]   %s/p2p/%s", addr, h.ID().String())
	}

	return node, nil
}

func assembleNode(ctx context.Context, logger Logger, config Config, h host.Host, gater *ConnectionGater) (*Node, error) {
	namespace := strings.TrimPrefix(config.ProtocolPrefix, "/")

	kdht, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(config.ProtocolPrefix)),
		dht.BucketSize(config.DHTReplicationFactor),
		dht.NamespacedValidator(namespace, permissiveValidator{}),
	)
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating DHT: %w", err)
	}

	params := pubsub.DefaultGossipSubParams()
	params.Dlo = config.MeshLow
	params.Dhi = config.MeshHigh
	params.D = (config.MeshLow + config.MeshHigh) / 2
	params.HeartbeatInterval = config.GossipHeartbeat

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(gossipMessageID),
		pubsub.WithGossipSubParams(params),
		pubsub.WithSeenMessagesTTL(config.MessageDedupWindow),
		pubsub.WithMaxMessageSize(config.MaxMessageSize),
	)
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating gossipsub: %w", err)
	}

	var records RecordStore
	if config.RecordStoreFile != "" {
		records, err = OpenPersistentRecordStore(config.RecordStoreFile)
		if err != nil {
			return nil, fmt.Errorf("[Node] error opening record store: %w", err)
		}
	} else {
		records = NewMemoryRecordStore()
	}

	var cache *PeerCache
	if config.EnablePeerCache {
		cache, err = LoadPeerCache(config.PeerCacheFile)
		if err != nil {
			logger.Warnf("[Node] error loading peer cache, starting empty: %v", err)
			cache = NewPeerCache()
		}
	}

	occ := make(chan Event, occurrenceBuffer)
	cmds := make(chan engineCommand, 16)

	eng, err := newEngine(logger, config, h, kdht, ps, occ, cmds)
	if err != nil {
		return nil, err
	}

	node := &Node{
		config:      config,
		logger:      logger,
		host:        h,
		dht:         kdht,
		gater:       gater,
		bridge:      &eventBridge{},
		stats:       newStatsTracker(),
		peerCache:   cache,
		records:     records,
		reqProtocol: protocol.ID(config.ProtocolPrefix + requestProtocolSuffix),
		engine:      eng,
		cmds:        cmds,
		occ:         occ,
		startTime:   time.Now(),
	}

	eng.dialFailed = node.recordDialFailure

	h.SetStreamHandler(node.reqProtocol, node.handleRequestStream)

	return node, nil
}

// recordDialFailure marks a failed outbound attempt in the peer cache so
// Bootstrap deprioritizes the peer on later rounds.
func (n *Node) recordDialFailure(peerID peer.ID) {
	if n.peerCache != nil {
		n.peerCache.AddOrUpdatePeer(peerID, nil, false)
	}
}

// withEngine runs fn with exclusive access to the engine. While the node is
// idle fn runs directly under the slot lock; while the scheduler owns the
// engine fn is queued as a command and executed by the scheduler between
// occurrences. The command queue is bounded: when full, ErrEngineBusy.
//
// Enqueueing happens under the slot lock: the scheduler's exit path drains
// pending commands before it refills the slot, also under the slot lock, so a
// command enqueued against an empty slot is always answered — by the loop or
// by the drain — and the caller never waits on a reply that cannot come.
func (n *Node) withEngine(ctx context.Context, fn func(*engine) error) error {
	n.slotMu.Lock()

	if n.engine != nil {
		err := fn(n.engine)
		n.slotMu.Unlock()

		return err
	}

	if n.closed.Load() || !n.running.Load() {
		n.slotMu.Unlock()
		return ErrEngineUnavailable
	}

	cmd := engineCommand{run: fn, done: make(chan error, 1)}

	select {
	case n.cmds <- cmd:
		n.slotMu.Unlock()
	default:
		n.slotMu.Unlock()
		return ErrEngineBusy
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen begins accepting inbound connections on the given multiaddr.
func (n *Node) Listen(ctx context.Context, address string) error {
	return n.withEngine(ctx, func(e *engine) error {
		return e.listen(address)
	})
}

// Dial enqueues an outbound connection attempt to a /p2p multiaddr. A nil
// return only means the attempt was accepted; the outcome arrives later as a
// connection-established or connection-closed event.
func (n *Node) Dial(ctx context.Context, address string) error {
	return n.withEngine(ctx, func(e *engine) error {
		return e.dial(address)
	})
}

// Subscribe joins a topic and starts delivering its messages as events.
// Subscribing to an already-subscribed topic is a no-op.
func (n *Node) Subscribe(ctx context.Context, topicName string) error {
	return n.withEngine(ctx, func(e *engine) error {
		return e.subscribe(topicName)
	})
}

// Unsubscribe stops message delivery for a topic; a no-op when not subscribed.
func (n *Node) Unsubscribe(ctx context.Context, topicName string) error {
	return n.withEngine(ctx, func(e *engine) error {
		return e.unsubscribe(topicName)
	})
}

// Publish sends a message to all subscribers of the topic. The topic must
// have been joined via Subscribe first.
func (n *Node) Publish(ctx context.Context, topicName string, msgBytes []byte) error {
	err := n.withEngine(ctx, func(e *engine) error {
		return e.publish(topicName, msgBytes)
	})
	if err != nil {
		return err
	}

	atomicAdd(&n.bytesSent, uint64(len(msgBytes)))
	atomicStoreNow(&n.lastSend)

	return nil
}

// AddKnownAddress records a known address for a peer, making it available to
// the DHT and future dials.
func (n *Node) AddKnownAddress(ctx context.Context, peerID, address string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPeerID, peerID, err)
	}

	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	return n.withEngine(ctx, func(e *engine) error {
		return e.addKnownAddress(pid, maddr)
	})
}

// Bootstrap connects to the configured bootstrap addresses plus the best
// cached peers, then triggers a DHT bootstrap round. Connection failures to
// individual candidates are logged, not fatal; at least the DHT round must
// succeed.
func (n *Node) Bootstrap(ctx context.Context) error {
	if n.closed.Load() {
		return ErrEngineUnavailable
	}

	candidates := make([]string, 0, len(n.config.BootstrapAddresses))
	candidates = append(candidates, n.config.BootstrapAddresses...)

	if n.peerCache != nil {
		for _, cached := range n.peerCache.GetBestPeers(n.config.MaxCachedPeers, n.config.PeerCacheTTL) {
			candidates = append(candidates, cached.Addresses...)
		}
	}

	eg := errgroup.Group{}

	for _, addr := range candidates {
		peerAddr := addr

		eg.Go(func() error {
			info, err := addrInfoFromString(peerAddr)
			if err != nil {
				n.logger.Warnf("[Node] skipping bootstrap address %s: %v", peerAddr, err)
				return nil
			}

			connectCtx, cancel := context.WithTimeout(ctx, n.config.ConnectionUpgradeTimeout)
			defer cancel()

			if err := n.host.Connect(connectCtx, *info); err != nil {
				n.logger.Debugf("[Node] bootstrap connect to %s failed: %v", peerAddr, err)
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("[Node] error bootstrapping DHT: %w", err)
	}

	return nil
}

// PutRecord stores a key/value record locally and replicates it through the
// DHT. Replication needs connected peers; without any, the record is still
// stored locally and the miss is logged.
func (n *Node) PutRecord(ctx context.Context, key string, value []byte) error {
	if n.closed.Load() {
		return ErrEngineUnavailable
	}

	if err := n.records.Put(key, value, n.host.ID().String(), 0); err != nil {
		return err
	}

	queryCtx, cancel := context.WithTimeout(ctx, n.config.DHTQueryTimeout)
	defer cancel()

	if err := n.dht.PutValue(queryCtx, n.recordKey(key), value); err != nil {
		n.logger.Debugf("[Node] DHT replication for %q failed: %v", key, err)
	}

	return nil
}

// GetRecord fetches a record from the DHT, falling back to the local store.
func (n *Node) GetRecord(ctx context.Context, key string) ([]byte, error) {
	if n.closed.Load() {
		return nil, ErrEngineUnavailable
	}

	queryCtx, cancel := context.WithTimeout(ctx, n.config.DHTQueryTimeout)
	defer cancel()

	value, err := n.dht.GetValue(queryCtx, n.recordKey(key))
	if err == nil {
		return value, nil
	}

	n.logger.Debugf("[Node] DHT lookup for %q failed, trying local store: %v", key, err)

	if value, ok := n.records.Get(key); ok {
		return value, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
}

func (n *Node) recordKey(key string) string {
	return n.config.ProtocolPrefix + "/" + key
}

// SetRequestHandler installs the handler answering inbound requests on the
// generic request/response protocol. Safe to call in any run state.
func (n *Node) SetRequestHandler(handler RequestHandler) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.requestHandler = handler
}

// SendRequest performs a synchronous request/response exchange with a peer
// over a dedicated stream. Frames are 4-byte big-endian length prefixed and
// capped at the configured max message size.
func (n *Node) SendRequest(ctx context.Context, peerID peer.ID, request []byte) ([]byte, error) {
	if len(request) > n.config.MaxMessageSize {
		return nil, fmt.Errorf("%w: request of %d bytes exceeds %d", ErrRequestFailed, len(request), n.config.MaxMessageSize)
	}

	st, err := n.host.NewStream(ctx, peerID, n.reqProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	defer func() {
		if err := st.Close(); err != nil {
			n.logger.Debugf("[Node] error closing request stream: %v", err)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}

	if err = writeFrame(st, request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	atomicAdd(&n.bytesSent, uint64(len(request)))
	atomicStoreNow(&n.lastSend)

	response, err := readFrame(st, n.config.MaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	atomicAdd(&n.bytesReceived, uint64(len(response)))
	atomicStoreNow(&n.lastRecv)

	return response, nil
}

func (n *Node) handleRequestStream(st network.Stream) {
	defer func() {
		if err := st.Close(); err != nil {
			n.logger.Debugf("[Node] error closing inbound stream: %v", err)
		}
	}()

	_ = st.SetDeadline(time.Now().Add(n.config.ConnectionUpgradeTimeout))

	request, err := readFrame(st, n.config.MaxMessageSize)
	if err != nil {
		n.logger.Debugf("[Node] error reading request from %s: %v", st.Conn().RemotePeer(), err)
		return
	}

	from := st.Conn().RemotePeer()

	atomicAdd(&n.bytesReceived, uint64(len(request)))
	atomicStoreNow(&n.lastRecv)

	n.emit(Event{Kind: EventRequestReceived, Peer: from, Payload: request})

	n.handlerMu.RLock()
	handler := n.requestHandler
	n.handlerMu.RUnlock()

	var response []byte
	if handler != nil {
		response = handler(context.Background(), from, request)
	}

	if err := writeFrame(st, response); err != nil {
		n.logger.Debugf("[Node] error writing response to %s: %v", from, err)
		return
	}

	atomicAdd(&n.bytesSent, uint64(len(response)))
	atomicStoreNow(&n.lastSend)
}

// emit enqueues an occurrence produced on the node side (e.g. an inbound
// request) without blocking.
func (n *Node) emit(evt Event) {
	select {
	case n.occ <- evt:
	default:
		n.logger.Debugf("[Node] dropping %s occurrence: queue full", evt.Kind)
	}
}

// DisconnectPeer closes every connection to the peer.
func (n *Node) DisconnectPeer(_ context.Context, peerID peer.ID) error {
	for _, conn := range n.host.Network().ConnsToPeer(peerID) {
		if err := conn.Close(); err != nil {
			n.logger.Debugf("[Node] error closing connection to %s: %v", peerID, err)
		}
	}

	return n.host.Network().ClosePeer(peerID)
}

// BanPeer records the peer in the deny-list for the given duration and drops
// any live connections. While banned, dial and accept attempts involving the
// peer are refused by the connection gater.
func (n *Node) BanPeer(ctx context.Context, peerID peer.ID, duration time.Duration) error {
	n.gater.BlockPeer(peerID, duration)
	return n.DisconnectPeer(ctx, peerID)
}

// UnbanPeer removes the peer from the deny-list.
func (n *Node) UnbanPeer(peerID peer.ID) {
	n.gater.UnblockPeer(peerID)
}

// PeerID returns this node's identity.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// PeerInfo describes one known peer.
type PeerInfo struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// ConnectedPeers returns the currently connected peers. Safe in any run state:
// it reads host state, which is internally synchronized, and never touches the
// engine slot.
func (n *Node) ConnectedPeers() []PeerInfo {
	peerIDs := n.host.Network().Peers()
	peers := make([]PeerInfo, 0, len(peerIDs))

	for _, peerID := range peerIDs {
		peers = append(peers, PeerInfo{
			ID:    peerID,
			Addrs: n.host.Peerstore().PeerInfo(peerID).Addrs,
		})
	}

	return peers
}

// Listeners returns the active listening addresses. Safe in any run state.
func (n *Node) Listeners() []multiaddr.Multiaddr {
	return n.host.Network().ListenAddresses()
}

// ExternalAddresses returns the node's publicly routable addresses as far as
// they are currently known. Safe in any run state.
func (n *Node) ExternalAddresses() []multiaddr.Multiaddr {
	var external []multiaddr.Multiaddr

	for _, addr := range n.host.Addrs() {
		if !isPrivateIP(addr) {
			external = append(external, addr)
		}
	}

	return external
}

// DrainEvents returns all buffered events in occurrence order and empties the
// log. Each event is delivered exactly once.
func (n *Node) DrainEvents() []Event {
	return n.bridge.drain()
}

// ConnectionStats returns a snapshot of per-peer established-connection counts.
func (n *Node) ConnectionStats() map[peer.ID]uint64 {
	return n.stats.snapshot()
}

// NetworkInfo summarizes the node's current network presence.
type NetworkInfo struct {
	PeerID            string
	Listeners         int
	ConnectedPeers    int
	ExternalAddresses int
	Running           bool
	Uptime            time.Duration
}

// Info returns a point-in-time summary of the node. Uptime counts from the
// most recent Start.
func (n *Node) Info() NetworkInfo {
	info := NetworkInfo{
		PeerID:            n.host.ID().String(),
		Listeners:         len(n.Listeners()),
		ConnectedPeers:    len(n.host.Network().Peers()),
		ExternalAddresses: len(n.ExternalAddresses()),
		Running:           n.IsRunning(),
	}

	if info.Running {
		n.loopMu.Lock()
		started := n.startTime
		n.loopMu.Unlock()

		info.Uptime = time.Since(started)
	}

	return info
}

// Close stops the scheduler if needed, tears down the engine and persists the
// peer cache. The node cannot be reused afterwards.
func (n *Node) Close(ctx context.Context) error {
	_ = n.Stop(ctx)

	n.loopMu.Lock()
	done := n.loopDone
	n.loopMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n.slotMu.Lock()
	eng := n.engine
	n.engine = nil
	n.slotMu.Unlock()

	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	if eng == nil {
		return ErrEngineUnavailable
	}

	if n.peerCache != nil {
		if err := n.peerCache.Save(n.config.PeerCacheFile); err != nil {
			n.logger.Warnf("[Node] error saving peer cache: %v", err)
		}
	}

	n.logger.Infof("[Node] stopping")

	if err := eng.close(); err != nil {
		return err
	}

	n.logger.Infof("[Node] host closed")

	return nil
}

func writeFrame(w io.Writer, data []byte) error {
	var length [4]byte

	binary.BigEndian.PutUint32(length[:], uint32(len(data)))

	if _, err := w.Write(length[:]); err != nil {
		return err
	}

	_, err := w.Write(data)

	return err
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var length [4]byte

	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(length[:])
	if int(size) > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// generatePrivateKey creates a new ed25519 private key for the node identity.
func generatePrivateKey() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

func decodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	return crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
}

func addrInfoFromString(address string) (*peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	return info, nil
}
