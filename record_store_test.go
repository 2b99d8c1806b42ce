package p2p

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryRecordStoreBasicOps verifies put, get, remove and key listing.
func TestMemoryRecordStoreBasicOps(t *testing.T) {
	store := NewMemoryRecordStore()

	require.NoError(t, store.Put("alpha", []byte("one"), "publisher", 0))
	require.NoError(t, store.Put("beta", []byte("two"), "publisher", 0))

	value, ok := store.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []byte("one"), value)

	_, ok = store.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, store.Count())
	assert.ElementsMatch(t, []string{"alpha", "beta"}, store.Keys())

	assert.True(t, store.Remove("alpha"))
	assert.False(t, store.Remove("alpha"))
	assert.Equal(t, 1, store.Count())
}

// TestMemoryRecordStoreOverwrite verifies putting the same key replaces the
// value.
func TestMemoryRecordStoreOverwrite(t *testing.T) {
	store := NewMemoryRecordStore()

	require.NoError(t, store.Put("key", []byte("old"), "p", 0))
	require.NoError(t, store.Put("key", []byte("new"), "p", 0))

	value, ok := store.Get("key")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), value)
	assert.Equal(t, 1, store.Count())
}

// TestMemoryRecordStoreExpiry verifies TTL-bearing records expire and are
// swept by CleanupExpired.
func TestMemoryRecordStoreExpiry(t *testing.T) {
	store := NewMemoryRecordStore()

	require.NoError(t, store.Put("eternal", []byte("v"), "p", 0))
	require.NoError(t, store.Put("ephemeral", []byte("v"), "p", 1))

	// Backdate the ephemeral record past its TTL.
	store.mu.Lock()
	rec := store.records["ephemeral"]
	rec.StoredAt = time.Now().Add(-2 * time.Second)
	store.records["ephemeral"] = rec
	store.mu.Unlock()

	_, ok := store.Get("ephemeral")
	assert.False(t, ok)

	_, ok = store.Get("eternal")
	assert.True(t, ok)

	assert.Equal(t, 1, store.CleanupExpired())
	assert.Equal(t, 1, store.Count())
}

// TestPersistentRecordStoreRoundTrip verifies records survive a close and
// reopen cycle.
func TestPersistentRecordStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")

	store, err := OpenPersistentRecordStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Put("alpha", []byte("one"), "publisher", 0))
	require.NoError(t, store.Put("beta", []byte("two"), "publisher", 0))
	assert.True(t, store.Remove("beta"))

	reopened, err := OpenPersistentRecordStore(path)
	require.NoError(t, err)

	value, ok := reopened.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []byte("one"), value)

	_, ok = reopened.Get("beta")
	assert.False(t, ok)
	assert.Equal(t, 1, reopened.Count())
}

// TestPersistentRecordStoreMissingFile verifies opening a path that does not
// exist yet starts an empty store.
func TestPersistentRecordStoreMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "records.json")

	store, err := OpenPersistentRecordStore(path)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Count())

	// First put creates the directory.
	require.NoError(t, store.Put("key", []byte("v"), "p", 0))

	reopened, err := OpenPersistentRecordStore(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}

// TestPersistentRecordStoreSkipsExpiredOnLoad verifies expired records are not
// resurrected from disk.
func TestPersistentRecordStoreSkipsExpiredOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")

	store, err := OpenPersistentRecordStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Put("fresh", []byte("v"), "p", 0))
	require.NoError(t, store.Put("stale", []byte("v"), "p", 1))

	// Backdate the stale record and force a rewrite.
	store.memory.mu.Lock()
	rec := store.memory.records["stale"]
	rec.StoredAt = time.Now().Add(-time.Minute)
	store.memory.records["stale"] = rec
	store.memory.mu.Unlock()

	store.mu.Lock()
	require.NoError(t, store.saveLocked())
	store.mu.Unlock()

	reopened, err := OpenPersistentRecordStore(path)
	require.NoError(t, err)

	_, ok := reopened.Get("fresh")
	assert.True(t, ok)

	_, ok = reopened.Get("stale")
	assert.False(t, ok)
	assert.Equal(t, 1, reopened.Count())
}

// TestPermissiveValidatorSelectsLast verifies the DHT validator prefers the
// most recent candidate.
func TestPermissiveValidatorSelectsLast(t *testing.T) {
	v := permissiveValidator{}

	require.NoError(t, v.Validate("any", []byte("value")))

	idx, err := v.Select("any", [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = v.Select("any", nil)
	require.Error(t, err)
}
