package p2p

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// DefaultProtocolPrefix namespaces the DHT, record keys and the
	// request/response protocol when Config.ProtocolPrefix is empty.
	DefaultProtocolPrefix = "/voxa"

	// requestProtocolSuffix is appended to the protocol prefix to form the
	// generic request/response protocol ID.
	requestProtocolSuffix = "/req-resp/1.0.0"

	// maxFrameSize caps a single request/response frame.
	maxFrameSize = 1 << 20
)

// Node is the single logical network participant. It owns the composed
// protocol engine behind a single-occupancy slot: while idle the slot holds
// the engine and control-surface calls touch it directly under a short lock;
// while running the scheduler goroutine owns it exclusively and control calls
// are handed over through a command queue serviced between occurrences.
//
// The event bridge and the stats tracker are genuinely shared and guarded by
// their own short-lived locks; no operation holds two guards at once.
type Node struct {
	config    Config
	logger    Logger
	host      host.Host
	dht       *dht.IpfsDHT
	gater     *ConnectionGater
	bridge    *eventBridge
	stats     *statsTracker
	peerCache *PeerCache
	records   RecordStore

	reqProtocol protocol.ID

	slotMu sync.Mutex
	engine *engine // nil while the scheduler owns it or after Close
	cmds   chan engineCommand
	occ    chan Event

	running  atomic.Bool
	closed   atomic.Bool
	loopMu   sync.Mutex // guards loopStop, loopDone, startTime
	loopStop context.CancelFunc
	loopDone chan struct{}

	handlerMu      sync.RWMutex
	requestHandler RequestHandler

	startTime time.Time

	// IMPORTANT: the following counters must only be used atomically.
	bytesSent     uint64
	bytesReceived uint64
	lastSend      int64
	lastRecv      int64
}

// RequestHandler answers an inbound request on the generic request/response
// protocol. The returned bytes are sent back as the response; a nil return
// sends an empty response.
type RequestHandler func(ctx context.Context, from peer.ID, request []byte) []byte

// Logger defines the interface for logging within the P2P node.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Config defines the construction-time parameters for a node. The zero value
// of any tuning field selects the documented default; Validate rejects values
// that are out of range.
type Config struct {
	ProcessName        string   // Identifier for this node in logs
	PrivateKey         string   // Hex-encoded ed25519 private key; generated when empty
	ListenAddresses    []string // Multiaddrs to listen on at startup
	BootstrapAddresses []string // Peer multiaddrs contacted by Bootstrap
	StaticPeers        []string // Peer multiaddrs to keep connected while running
	ProtocolPrefix     string   // Namespace for DHT, records and request protocol (default "/voxa")

	PingInterval             time.Duration // Liveness probe interval (default 30s)
	GossipHeartbeat          time.Duration // Gossipsub heartbeat interval (default 10s)
	MeshLow                  int           // Gossipsub mesh lower bound (default 5)
	MeshHigh                 int           // Gossipsub mesh upper bound (default 12)
	MessageDedupWindow       time.Duration // Seen-message cache TTL (default 60s)
	DHTQueryTimeout          time.Duration // Budget for DHT value queries (default 60s)
	DHTReplicationFactor     int           // Kademlia bucket size (default 20)
	IdleConnectionTimeout    time.Duration // Close streamless connections after this long (default 60s)
	ConnectionUpgradeTimeout time.Duration // Dial + security/muxer upgrade budget (default 20s)
	MaxMessageSize           int           // Gossip/request payload cap in bytes (default 1 MiB)

	EnableMDNS         bool // Advertise and browse for peers on the local network
	EnableNATService   bool // Serve reachability probes for other peers
	EnableHolePunching bool // Attempt direct connection upgrades through NATs

	// Connection management configuration
	ConnLowWater    int           // Minimum connections to maintain (default 200)
	ConnHighWater   int           // Connections before pruning starts (default 400)
	MaxConnsPerPeer int           // Connections allowed per peer (default 3)
	GracePeriod     time.Duration // Protection window for new connections (default 60s)

	// Peer persistence configuration
	EnablePeerCache bool          // Remember successful peers across restarts
	PeerCacheFile   string        // Peer cache path (default "~/.voxa/peers.json")
	MaxCachedPeers  int           // Cached peer cap (default 100)
	PeerCacheTTL    time.Duration // Cached peer lifetime (default 30 days)

	RecordStoreFile string // DHT record store path; in-memory only when empty
}

// withDefaults returns a copy of the config with zero tuning fields replaced
// by their documented defaults.
func (c Config) withDefaults() Config {
	if c.ProtocolPrefix == "" {
		c.ProtocolPrefix = DefaultProtocolPrefix
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.GossipHeartbeat == 0 {
		c.GossipHeartbeat = 10 * time.Second
	}
	if c.MeshLow == 0 {
		c.MeshLow = 5
	}
	if c.MeshHigh == 0 {
		c.MeshHigh = 12
	}
	if c.MessageDedupWindow == 0 {
		c.MessageDedupWindow = time.Minute
	}
	if c.DHTQueryTimeout == 0 {
		c.DHTQueryTimeout = time.Minute
	}
	if c.DHTReplicationFactor == 0 {
		c.DHTReplicationFactor = 20
	}
	if c.IdleConnectionTimeout == 0 {
		c.IdleConnectionTimeout = time.Minute
	}
	if c.ConnectionUpgradeTimeout == 0 {
		c.ConnectionUpgradeTimeout = 20 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = maxFrameSize
	}
	if c.ConnLowWater == 0 {
		c.ConnLowWater = 200
	}
	if c.ConnHighWater == 0 {
		c.ConnHighWater = 400
	}
	if c.MaxConnsPerPeer == 0 {
		c.MaxConnsPerPeer = 3
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = time.Minute
	}
	if c.PeerCacheFile == "" {
		c.PeerCacheFile = "~/.voxa/peers.json"
	}
	if c.MaxCachedPeers == 0 {
		c.MaxCachedPeers = DefaultMaxCachedPeers
	}
	if c.PeerCacheTTL == 0 {
		c.PeerCacheTTL = DefaultCacheTTL
	}

	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.PingInterval < 0 || c.GossipHeartbeat < 0 || c.MessageDedupWindow < 0 ||
		c.DHTQueryTimeout < 0 || c.IdleConnectionTimeout < 0 || c.ConnectionUpgradeTimeout < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}

	if c.MeshLow < 0 || c.MeshHigh < 0 || c.MeshLow > c.MeshHigh {
		return fmt.Errorf("%w: mesh bounds %d..%d", ErrInvalidConfig, c.MeshLow, c.MeshHigh)
	}

	if c.DHTReplicationFactor < 1 {
		return fmt.Errorf("%w: replication factor %d", ErrInvalidConfig, c.DHTReplicationFactor)
	}

	if c.MaxMessageSize < 0 || c.MaxMessageSize > maxFrameSize {
		return fmt.Errorf("%w: max message size %d", ErrInvalidConfig, c.MaxMessageSize)
	}

	if c.ConnLowWater > c.ConnHighWater {
		return fmt.Errorf("%w: connection water marks %d..%d", ErrInvalidConfig, c.ConnLowWater, c.ConnHighWater)
	}

	return nil
}
