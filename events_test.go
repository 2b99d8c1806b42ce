package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEventKindString verifies every event kind has a stable name.
func TestEventKindString(t *testing.T) {
	tests := []struct {
		kind     EventKind
		expected string
	}{
		{EventNewListenAddr, "new_listen_addr"},
		{EventListenerClosed, "listener_closed"},
		{EventConnectionEstablished, "connection_established"},
		{EventConnectionClosed, "connection_closed"},
		{EventPeerDiscovered, "peer_discovered"},
		{EventPeerIdentified, "peer_identified"},
		{EventReachabilityChanged, "reachability_changed"},
		{EventPingFailed, "ping_failed"},
		{EventMessageReceived, "message_received"},
		{EventRequestReceived, "request_received"},
		{EventBehaviour, "behaviour"},
		{EventKind(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}
