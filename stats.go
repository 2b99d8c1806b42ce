package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// statsTracker counts established connections per peer. Counters only ever go
// up; the scheduler increments and any caller may snapshot concurrently.
type statsTracker struct {
	mu     sync.RWMutex
	counts map[peer.ID]uint64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{counts: make(map[peer.ID]uint64)}
}

// recordConnectionEstablished bumps the counter for peerID, creating it at 1.
func (st *statsTracker) recordConnectionEstablished(peerID peer.ID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.counts[peerID]++
}

// snapshot returns a point-in-time copy of the full mapping.
func (st *statsTracker) snapshot() map[peer.ID]uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make(map[peer.ID]uint64, len(st.counts))
	for id, n := range st.counts {
		out[id] = n
	}

	return out
}
