package p2p

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multiaddr"
)

// occurrenceBuffer bounds how many occurrences may queue up between advance
// calls (or while no scheduler is running) before new ones are dropped.
const occurrenceBuffer = 256

// engineCommand is a control operation handed to whichever goroutine currently
// owns the engine. The owner runs it between occurrences, so engine-local
// state never sees two writers.
type engineCommand struct {
	run  func(*engine) error
	done chan error // buffered, capacity 1
}

// engine binds the libp2p host and the composed protocol handlers into one
// poll-able unit. Its maps and handler state are not internally synchronized:
// exactly one goroutine owns the engine at any instant (the node while idle,
// the scheduler while running) and only that owner may call its methods.
// Occurrences produced by libp2p's own goroutines funnel through the
// occurrences channel, which is the only shared boundary.
type engine struct {
	logger Logger
	config Config
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	pinger *ping.PingService
	mdns   mdns.Service

	topics map[string]*pubsub.Topic
	subs   map[string]*topicSubscription

	// dialFailed, when set, observes failed outbound attempts at their origin.
	// Assigned once during node assembly, before any dial can run.
	dialFailed func(peer.ID)

	occurrences chan Event
	cmds        chan engineCommand

	ctx    context.Context
	cancel context.CancelFunc
	busSub event.Subscription
}

type topicSubscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// newEngine wires the occurrence producers (connection notifications, event
// bus watchers, mDNS) into the occurrence channel and returns the engine ready
// to be placed in the node's slot. The occurrence and command channels are
// created by the node so it can emit and hand over commands while the
// scheduler owns the engine.
func newEngine(logger Logger, config Config, h host.Host, kdht *dht.IpfsDHT, ps *pubsub.PubSub, occ chan Event, cmds chan engineCommand) (*engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	e := &engine{
		logger:      logger,
		config:      config,
		host:        h,
		dht:         kdht,
		pubsub:      ps,
		pinger:      ping.NewPingService(h),
		topics:      make(map[string]*pubsub.Topic),
		subs:        make(map[string]*topicSubscription),
		occurrences: occ,
		cmds:        cmds,
		ctx:         ctx,
		cancel:      cancel,
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			e.emit(Event{
				Kind: EventConnectionEstablished,
				Peer: conn.RemotePeer(),
				Addr: conn.RemoteMultiaddr(),
			})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			e.emit(Event{
				Kind: EventConnectionClosed,
				Peer: conn.RemotePeer(),
				Addr: conn.RemoteMultiaddr(),
			})
		},
		ListenF: func(_ network.Network, addr multiaddr.Multiaddr) {
			e.emit(Event{Kind: EventNewListenAddr, Addr: addr})
		},
		ListenCloseF: func(_ network.Network, addr multiaddr.Multiaddr) {
			e.emit(Event{Kind: EventListenerClosed, Addr: addr})
		},
	})

	busSub, err := h.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalReachabilityChanged),
		new(event.EvtPeerIdentificationCompleted),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("[Engine] error subscribing to host events: %w", err)
	}

	e.busSub = busSub
	go e.watchBus()

	if config.EnableMDNS {
		tag := strings.TrimPrefix(config.ProtocolPrefix, "/")
		e.mdns = mdns.NewMdnsService(h, tag, &mdnsNotifee{engine: e})

		if err := e.mdns.Start(); err != nil {
			logger.Warnf("[Engine] mDNS failed to start: %v", err)
			e.mdns = nil
		}
	}

	return e, nil
}

// watchBus republishes host event-bus notifications as engine occurrences.
func (e *engine) watchBus() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-e.busSub.Out():
			if !ok {
				return
			}

			switch v := evt.(type) {
			case event.EvtLocalReachabilityChanged:
				e.emit(Event{
					Kind:  EventReachabilityChanged,
					Cause: v.Reachability.String(),
				})
			case event.EvtPeerIdentificationCompleted:
				e.emit(Event{Kind: EventPeerIdentified, Peer: v.Peer})
			default:
				e.emit(Event{
					Kind:    EventBehaviour,
					Payload: []byte(fmt.Sprintf("%T", evt)),
				})
			}
		}
	}
}

// mdnsNotifee feeds local-network discoveries into the occurrence stream.
type mdnsNotifee struct {
	engine *engine
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.engine.host.ID() {
		return
	}

	n.engine.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)

	var addr multiaddr.Multiaddr
	if len(pi.Addrs) > 0 {
		addr = pi.Addrs[0]
	}

	n.engine.emit(Event{Kind: EventPeerDiscovered, Peer: pi.ID, Addr: addr})
}

// emit enqueues an occurrence without blocking. If nobody is draining and the
// buffer is full, the occurrence is dropped.
func (e *engine) emit(evt Event) {
	select {
	case e.occurrences <- evt:
	default:
		e.logger.Debugf("[Engine] dropping %s occurrence: queue full", evt.Kind)
	}
}

// advance blocks until the next occurrence is ready and returns it. Control
// commands queued while the scheduler owns the engine are serviced here, on
// the owning goroutine, before the wait resumes. This is the engine's sole
// suspension point.
func (e *engine) advance(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case cmd := <-e.cmds:
			cmd.done <- cmd.run(e)
		case evt := <-e.occurrences:
			return evt, nil
		}
	}
}

// listen begins accepting inbound connections on the given multiaddr.
func (e *engine) listen(address string) error {
	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	if err := e.host.Network().Listen(maddr); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailure, address, err)
	}

	return nil
}

// dial enqueues an outbound connection attempt. The address must carry a /p2p
// component: the security handshake needs the remote identity up front. The
// outcome surfaces later as a connection-established or connection-closed
// occurrence.
func (e *engine) dial(address string) error {
	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	if info.ID == e.host.ID() {
		return fmt.Errorf("%w: cannot dial self", ErrDialFailure)
	}

	go func(info peer.AddrInfo) {
		ctx, cancel := context.WithTimeout(e.ctx, e.config.ConnectionUpgradeTimeout)
		defer cancel()

		if err := e.host.Connect(ctx, info); err != nil {
			e.logger.Debugf("[Engine] dial %s failed: %v", info.ID, err)

			if e.dialFailed != nil {
				e.dialFailed(info.ID)
			}

			e.emit(Event{
				Kind:  EventConnectionClosed,
				Peer:  info.ID,
				Cause: err.Error(),
			})
		}
	}(*info)

	return nil
}

// subscribe joins the topic and starts delivering its messages as
// occurrences. Subscribing twice is a no-op.
func (e *engine) subscribe(topicName string) error {
	if _, ok := e.subs[topicName]; ok {
		return nil
	}

	topic, ok := e.topics[topicName]
	if !ok {
		var err error

		topic, err = e.pubsub.Join(topicName)
		if err != nil {
			return fmt.Errorf("[Engine] error joining topic %s: %w", topicName, err)
		}

		e.topics[topicName] = topic
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("[Engine] error subscribing to topic %s: %w", topicName, err)
	}

	subCtx, cancel := context.WithCancel(e.ctx)
	e.subs[topicName] = &topicSubscription{sub: sub, cancel: cancel}

	go e.readTopic(subCtx, topicName, sub)

	return nil
}

// unsubscribe stops message delivery for the topic. Unsubscribing from a topic
// without a subscription is a no-op.
func (e *engine) unsubscribe(topicName string) error {
	ts, ok := e.subs[topicName]
	if !ok {
		return nil
	}

	ts.cancel()
	ts.sub.Cancel()
	delete(e.subs, topicName)

	return nil
}

// publish sends a message to the topic's mesh. The topic must be joined first.
func (e *engine) publish(topicName string, data []byte) error {
	if len(data) > e.config.MaxMessageSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailure, len(data), e.config.MaxMessageSize)
	}

	topic, ok := e.topics[topicName]
	if !ok {
		return fmt.Errorf("%w: topic not joined: %s", ErrPublishFailure, topicName)
	}

	if err := topic.Publish(e.ctx, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailure, topicName, err)
	}

	return nil
}

// addKnownAddress records a peer address for routing and future dials.
func (e *engine) addKnownAddress(peerID peer.ID, addr multiaddr.Multiaddr) error {
	e.host.Peerstore().AddAddr(peerID, addr, peerstore.PermanentAddrTTL)
	return nil
}

func (e *engine) readTopic(ctx context.Context, topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Subscription canceled or engine shutting down.
			return
		}

		if msg.ReceivedFrom == e.host.ID() {
			continue
		}

		e.emit(Event{
			Kind:    EventMessageReceived,
			Peer:    msg.ReceivedFrom,
			Topic:   topicName,
			Payload: msg.Data,
		})
	}
}

// probeLiveness pings every connected peer once per configured interval and
// reports peers whose probe does not come back. Runs for the lifetime of ctx;
// it only touches the host and the ping service, both internally synchronized.
func (e *engine) probeLiveness(ctx context.Context) {
	ticker := time.NewTicker(e.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peerID := range e.host.Network().Peers() {
				go e.pingPeer(ctx, peerID)
			}
		}
	}
}

func (e *engine) pingPeer(ctx context.Context, peerID peer.ID) {
	pingCtx, cancel := context.WithTimeout(ctx, e.config.PingInterval)
	defer cancel()

	select {
	case res, ok := <-e.pinger.Ping(pingCtx, peerID):
		if ok && res.Error != nil {
			e.emit(Event{Kind: EventPingFailed, Peer: peerID, Cause: res.Error.Error()})
		}
	case <-pingCtx.Done():
		e.emit(Event{Kind: EventPingFailed, Peer: peerID, Cause: pingCtx.Err().Error()})
	}
}

// sweepIdleConnections closes connections that have carried no streams for the
// configured idle timeout. The connection manager prunes by total count above
// the high water mark; this sweep reclaims idle connections even below it.
// Like probeLiveness it only touches the host, which is internally
// synchronized.
func (e *engine) sweepIdleConnections(ctx context.Context) {
	ticker := time.NewTicker(e.config.IdleConnectionTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.config.IdleConnectionTimeout)

			for _, conn := range e.host.Network().Conns() {
				if len(conn.GetStreams()) > 0 || conn.Stat().Opened.After(cutoff) {
					continue
				}

				e.logger.Debugf("[Engine] closing idle connection to %s", conn.RemotePeer())

				if err := conn.Close(); err != nil {
					e.logger.Debugf("[Engine] error closing idle connection: %v", err)
				}
			}
		}
	}
}

// close tears the engine down: producers stop, then the DHT and host shut.
func (e *engine) close() error {
	e.cancel()

	if e.mdns != nil {
		if err := e.mdns.Close(); err != nil {
			e.logger.Debugf("[Engine] error closing mDNS: %v", err)
		}
	}

	if err := e.busSub.Close(); err != nil {
		e.logger.Debugf("[Engine] error closing bus subscription: %v", err)
	}

	for name, ts := range e.subs {
		ts.cancel()
		ts.sub.Cancel()
		delete(e.subs, name)
	}

	if err := e.dht.Close(); err != nil {
		return fmt.Errorf("[Engine] error closing DHT: %w", err)
	}

	if err := e.host.Close(); err != nil {
		return fmt.Errorf("[Engine] error closing host: %w", err)
	}

	return nil
}

// gossipMessageID derives message identity from the payload and the sender so
// duplicate payloads from different publishers are still distinct.
func gossipMessageID(msg *pb.Message) string {
	h := sha256.New()
	h.Write(msg.Data)
	h.Write(msg.From)

	return string(h.Sum(nil))
}
