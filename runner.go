package p2p

import (
	"context"
	"errors"
	"time"
)

// Start takes exclusive ownership of the engine out of the slot and hands it
// to a freshly spawned scheduler goroutine. Non-blocking: it returns before
// the loop observes its first occurrence.
//
// Fails with ErrAlreadyRunning while a scheduler is active, ErrEngineBusy when
// a previous loop was stopped but has not yet returned the engine to the slot,
// and ErrEngineUnavailable when the node has been closed. At most one
// scheduler per node is ever active.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrEngineUnavailable
	}

	// The flag flip and the loopStop/loopDone registration must be one
	// transition: a Stop racing in between would read a stale cancel func and
	// leave the new loop context uncancellable.
	n.loopMu.Lock()

	if !n.running.CompareAndSwap(false, true) {
		n.loopMu.Unlock()
		return ErrAlreadyRunning
	}

	n.slotMu.Lock()
	eng := n.engine
	n.engine = nil
	n.slotMu.Unlock()

	if eng == nil {
		// Stopped but the previous loop still holds the engine, or the node
		// was closed under us. Either way this Start did not take ownership.
		n.running.Store(false)
		done := n.loopDone
		n.loopMu.Unlock()

		if n.closed.Load() {
			return ErrEngineUnavailable
		}

		if done != nil {
			select {
			case <-done:
				return ErrEngineUnavailable
			default:
				return ErrEngineBusy
			}
		}

		return ErrEngineUnavailable
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	n.loopStop = cancel
	n.loopDone = done
	n.startTime = time.Now()
	n.loopMu.Unlock()

	n.logger.Infof("[%s] starting", n.config.ProcessName)

	go n.run(loopCtx, cancel, eng, done)
	go eng.probeLiveness(loopCtx)
	go eng.sweepIdleConnections(loopCtx)

	n.startStaticPeerConnector(loopCtx)

	return nil
}

// Stop requests cooperative shutdown of the scheduler: it clears the running
// flag and cancels the loop context so an advance in flight returns promptly.
// It does not wait for the loop to exit; the engine reappears in the slot once
// it does. Idempotent.
func (n *Node) Stop(_ context.Context) error {
	n.loopMu.Lock()

	if !n.running.CompareAndSwap(true, false) {
		n.loopMu.Unlock()
		return nil
	}

	stop := n.loopStop
	n.loopMu.Unlock()

	n.logger.Infof("[%s] stopping scheduler", n.config.ProcessName)

	if stop != nil {
		stop()
	}

	return nil
}

// IsRunning reports whether a scheduler is currently active.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// run is the scheduler loop. It holds exclusive ownership of the engine for
// its whole lifetime: check the flag, advance, classify the occurrence into
// the bridge and the stats tracker, repeat. On exit the engine goes back into
// the slot, returning the node to idle.
func (n *Node) run(ctx context.Context, cancel context.CancelFunc, eng *engine, done chan struct{}) {
	defer func() {
		// Tear down the liveness prober, the idle sweeper and the static peer
		// connector on every exit path, not only when Stop cancelled us.
		cancel()

		// An exit forced by context cancellation (rather than Stop) must also
		// leave the node stopped. Never flips a successor's flag: no new
		// scheduler can start while the flag is still true.
		n.running.CompareAndSwap(true, false)

		n.slotMu.Lock()

		// Commands enqueue only under the slot lock while the slot is empty.
		// Answering the queue and refilling the slot in one critical section
		// guarantees every queued command gets exactly one reply.
		for drained := false; !drained; {
			select {
			case cmd := <-n.cmds:
				cmd.done <- ErrEngineUnavailable
			default:
				drained = true
			}
		}

		n.engine = eng
		n.slotMu.Unlock()

		close(done)
	}()

	for n.running.Load() {
		evt, err := eng.advance(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				n.logger.Errorf("[Node] scheduler stopping: %v", err)
			}

			return
		}

		n.classify(evt)
		n.bridge.push(evt)
	}
}

// classify applies an occurrence's side effects before it is bridged.
func (n *Node) classify(evt Event) {
	switch evt.Kind {
	case EventConnectionEstablished:
		n.stats.recordConnectionEstablished(evt.Peer)

		if n.peerCache != nil {
			n.peerCache.AddOrUpdatePeer(evt.Peer, addrStrings(n.host.Peerstore().PeerInfo(evt.Peer).Addrs), true)
		}
	case EventMessageReceived:
		atomicAdd(&n.bytesReceived, uint64(len(evt.Payload)))
		atomicStoreNow(&n.lastRecv)
	}
}

// startStaticPeerConnector keeps the configured static peers connected while
// the scheduler runs, retrying quickly until all are up and slowly afterwards.
func (n *Node) startStaticPeerConnector(ctx context.Context) {
	if len(n.config.StaticPeers) == 0 {
		return
	}

	go func() {
		delay := time.Duration(0)

		for {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}

				return
			}

			if n.connectToStaticPeers(ctx) {
				delay = 30 * time.Second // peers can drop, keep checking
			} else {
				delay = 5 * time.Second
			}
		}
	}()
}

func (n *Node) connectToStaticPeers(ctx context.Context) bool {
	remaining := len(n.config.StaticPeers)

	for _, peerAddr := range n.config.StaticPeers {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		info, err := addrInfoFromString(peerAddr)
		if err != nil {
			n.logger.Errorf("[Node] invalid static peer address %s: %v", peerAddr, err)
			continue
		}

		if hasConnection(n.host, info.ID) {
			remaining--
			continue
		}

		if err := n.host.Connect(ctx, *info); err != nil {
			n.logger.Debugf("[Node] failed to connect to static peer %s: %v", peerAddr, err)
		} else {
			remaining--

			n.logger.Infof("[Node] connected to static peer: %s", peerAddr)
		}
	}

	return remaining == 0
}
