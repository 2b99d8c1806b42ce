package p2p

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Common test constants
const testListenAddr = "/ip4/127.0.0.1/tcp/0"

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	t *testing.T
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.t.Logf("[DEBUG] "+format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.t.Logf("[INFO] "+format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.t.Logf("[WARN] "+format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.t.Logf("[ERROR] "+format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

// Test helpers to reduce code duplication

// createTestContext creates a context with timeout for testing
func createTestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// createTestLogger creates a mock logger for testing
func createTestLogger(t *testing.T) *MockLogger {
	return &MockLogger{t: t}
}

// createBasicConfig creates a basic test configuration
func createBasicConfig(processName string) Config {
	return Config{
		ProcessName:     processName,
		ListenAddresses: []string{testListenAddr},
	}
}

// createTestNode creates a node with a basic configuration and registers
// cleanup that closes it when the test finishes.
func createTestNode(ctx context.Context, t *testing.T, processName string) *Node {
	t.Helper()

	node, err := NewNode(ctx, createTestLogger(t), createBasicConfig(processName))
	if err != nil {
		t.Fatalf("Failed to create %s: %v", processName, err)
	}

	setupNodeCleanup(t, node, processName)

	return node
}

// setupNodeCleanup sets up proper cleanup for a test node
func setupNodeCleanup(t testing.TB, node *Node, nodeName string) {
	t.Helper()

	t.Cleanup(func() {
		if node != nil {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := node.Close(cleanupCtx); err != nil {
				t.Logf("Failed to close %s in cleanup: %v", nodeName, err)
			}
		}
	})
}

// generateTestPeerID creates a fresh peer identity for tests that do not need
// a live host behind it.
func generateTestPeerID(t *testing.T) peer.ID {
	t.Helper()

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("Failed to derive peer ID: %v", err)
	}

	return id
}

// waitForCondition polls fn until it returns true or the timeout elapses.
func waitForCondition(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if fn() {
			return true
		}

		time.Sleep(20 * time.Millisecond)
	}

	return fn()
}

// drainUntil drains the node's event bridge repeatedly until an event matching
// the predicate shows up or the timeout elapses, returning the matching event.
func drainUntil(node *Node, timeout time.Duration, match func(Event) bool) (Event, bool) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		for _, evt := range node.DrainEvents() {
			if match(evt) {
				return evt, true
			}
		}

		time.Sleep(20 * time.Millisecond)
	}

	return Event{}, false
}
