package p2p

import (
	"bytes"
	"testing"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip verifies the length-prefixed framing used by the
// request/response protocol.
func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty frame", nil},
		{"small frame", []byte("hello")},
		{"binary frame", []byte{0x00, 0xff, 0x10, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			require.NoError(t, writeFrame(&buf, tt.payload))

			got, err := readFrame(&buf, maxFrameSize)
			require.NoError(t, err)
			assert.Equal(t, len(tt.payload), len(got))
			assert.Equal(t, []byte(tt.payload), got)
		})
	}
}

// TestReadFrameRejectsOversized verifies frames above the cap are refused
// before any payload is read.
func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeFrame(&buf, make([]byte, 64)))

	_, err := readFrame(&buf, 16)
	require.Error(t, err)
}

// TestReadFrameTruncated verifies a short read surfaces an error instead of a
// partial frame.
func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeFrame(&buf, []byte("full payload")))

	truncated := bytes.NewReader(buf.Bytes()[:6])

	_, err := readFrame(truncated, maxFrameSize)
	require.Error(t, err)
}

// TestExtractIPFromMultiaddr verifies IP extraction from multiaddrs.
func TestExtractIPFromMultiaddr(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{"ipv4 tcp", "/ip4/192.168.1.5/tcp/8333", "192.168.1.5"},
		{"ipv4 websocket", "/ip4/10.0.0.1/tcp/80/ws", "10.0.0.1"},
		{"ipv6", "/ip6/::1/tcp/8333", "::1"},
		{"dns has no ip", "/dns4/example.com/tcp/443", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maddr, err := multiaddr.NewMultiaddr(tt.addr)
			require.NoError(t, err)

			assert.Equal(t, tt.expected, extractIPFromMultiaddr(maddr))
		})
	}
}

// TestIsPrivateIP verifies the private range classification behind
// ExternalAddresses.
func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"loopback", "/ip4/127.0.0.1/tcp/8333", true},
		{"rfc1918 10/8", "/ip4/10.1.2.3/tcp/8333", true},
		{"rfc1918 172.16/12", "/ip4/172.16.0.9/tcp/8333", true},
		{"rfc1918 192.168/16", "/ip4/192.168.1.1/tcp/8333", true},
		{"link local", "/ip4/169.254.1.1/tcp/8333", true},
		{"public address", "/ip4/8.8.8.8/tcp/8333", false},
		{"dns address", "/dns4/example.com/tcp/443", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maddr, err := multiaddr.NewMultiaddr(tt.addr)
			require.NoError(t, err)

			assert.Equal(t, tt.expected, isPrivateIP(maddr))
		})
	}
}

// TestAddrStrings verifies multiaddr slices render to their string forms.
func TestAddrStrings(t *testing.T) {
	a, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/1234")
	require.NoError(t, err)

	b, err := multiaddr.NewMultiaddr("/ip4/10.0.0.1/tcp/5678")
	require.NoError(t, err)

	got := addrStrings([]multiaddr.Multiaddr{a, b})
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/1234", "/ip4/10.0.0.1/tcp/5678"}, got)
}
