package p2p

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// PeerCacheVersion defines the version of the peer cache format
	PeerCacheVersion = 1
	// DefaultCacheTTL defines the default time-to-live for cached peers
	DefaultCacheTTL = 30 * 24 * time.Hour
	// DefaultMaxCachedPeers defines the default maximum number of peers to cache
	DefaultMaxCachedPeers = 100
)

// CachedPeer represents a peer saved to disk for persistence across restarts
type CachedPeer struct {
	ID              string    `json:"id"`
	Addresses       []string  `json:"addresses"`
	LastSeen        time.Time `json:"last_seen"`
	LastConnected   time.Time `json:"last_connected"`
	ConnectionCount int       `json:"connection_count"`
	FailureCount    int       `json:"failure_count"`
}

// PeerCache remembers peers that connected successfully so Bootstrap has
// candidates beyond the configured addresses after a restart.
type PeerCache struct {
	Peers   []CachedPeer `json:"peers"`
	Version int          `json:"version"`
	mu      sync.RWMutex
}

// NewPeerCache creates a new, empty peer cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{
		Peers:   make([]CachedPeer, 0),
		Version: PeerCacheVersion,
	}
}

// LoadPeerCache loads a peer cache from disk, returning an empty cache when
// the file does not exist or carries an unknown version.
func LoadPeerCache(path string) (*PeerCache, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewPeerCache(), nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read peer cache: %w", err)
	}

	var cache PeerCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse peer cache: %w", err)
	}

	if cache.Version != PeerCacheVersion {
		return NewPeerCache(), nil
	}

	return &cache, nil
}

// Save writes the peer cache to disk via a temp file and rename.
func (pc *PeerCache) Save(path string) error {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if lastSlash := strings.LastIndex(path, "/"); lastSlash > 0 {
		if err := os.MkdirAll(path[:lastSlash], 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal peer cache: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write peer cache: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to rename peer cache: %w", err)
	}

	return nil
}

// AddOrUpdatePeer records the outcome of a connection to the peer. A
// successful connection resets the failure count; a failed one bumps it.
func (pc *PeerCache) AddOrUpdatePeer(peerID peer.ID, addresses []string, connected bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	id := peerID.String()
	now := time.Now()

	for i, p := range pc.Peers {
		if p.ID != id {
			continue
		}

		pc.Peers[i].LastSeen = now

		if len(addresses) > 0 {
			pc.Peers[i].Addresses = addresses
		}

		if connected {
			pc.Peers[i].LastConnected = now
			pc.Peers[i].ConnectionCount++
			pc.Peers[i].FailureCount = 0
		} else {
			pc.Peers[i].FailureCount++
		}

		return
	}

	newPeer := CachedPeer{
		ID:        id,
		Addresses: addresses,
		LastSeen:  now,
	}

	if connected {
		newPeer.LastConnected = now
		newPeer.ConnectionCount = 1
	} else {
		newPeer.FailureCount = 1
	}

	pc.Peers = append(pc.Peers, newPeer)
}

// GetBestPeers returns up to limit peers sorted by reliability and recency,
// skipping peers older than ttl or with repeated failures.
func (pc *PeerCache) GetBestPeers(limit int, ttl time.Duration) []CachedPeer {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	cutoff := time.Now().Add(-ttl)
	validPeers := make([]CachedPeer, 0)

	for _, p := range pc.Peers {
		if p.LastSeen.After(cutoff) && p.FailureCount < 5 {
			validPeers = append(validPeers, p)
		}
	}

	sort.Slice(validPeers, func(i, j int) bool {
		if validPeers[i].ConnectionCount > 0 && validPeers[j].ConnectionCount == 0 {
			return true
		}
		if validPeers[i].ConnectionCount == 0 && validPeers[j].ConnectionCount > 0 {
			return false
		}

		ratioI := successRatio(validPeers[i])
		ratioJ := successRatio(validPeers[j])
		if ratioI != ratioJ {
			return ratioI > ratioJ
		}

		return validPeers[i].LastConnected.After(validPeers[j].LastConnected)
	})

	if limit > len(validPeers) {
		limit = len(validPeers)
	}

	return validPeers[:limit]
}

// Prune removes old or unreliable peers, keeping at most maxPeers.
func (pc *PeerCache) Prune(maxPeers int, ttl time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	newPeers := make([]CachedPeer, 0)

	for _, p := range pc.Peers {
		if p.LastSeen.After(cutoff) && p.FailureCount < 10 {
			newPeers = append(newPeers, p)
		}
	}

	if len(newPeers) > maxPeers {
		sort.Slice(newPeers, func(i, j int) bool {
			ratioI := successRatio(newPeers[i])
			ratioJ := successRatio(newPeers[j])
			if ratioI != ratioJ {
				return ratioI > ratioJ
			}

			return newPeers[i].LastConnected.After(newPeers[j].LastConnected)
		})
		newPeers = newPeers[:maxPeers]
	}

	pc.Peers = newPeers
}

// Count returns the number of cached peers.
func (pc *PeerCache) Count() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return len(pc.Peers)
}

// RemovePeer removes a specific peer from the cache.
func (pc *PeerCache) RemovePeer(peerID peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	id := peerID.String()
	newPeers := make([]CachedPeer, 0, len(pc.Peers))

	for _, p := range pc.Peers {
		if p.ID != id {
			newPeers = append(newPeers, p)
		}
	}

	pc.Peers = newPeers
}

func successRatio(p CachedPeer) float64 {
	return float64(p.ConnectionCount) / float64(p.ConnectionCount+p.FailureCount+1)
}
