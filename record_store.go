package p2p

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// RecordStoreVersion defines the version of the persistent record format.
const RecordStoreVersion = 1

// StoredRecord is one key/value record with its metadata.
type StoredRecord struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Publisher string    `json:"publisher,omitempty"`
	StoredAt  time.Time `json:"stored_at"`
	TTL       int64     `json:"ttl,omitempty"` // seconds; 0 means no expiry
}

func (r StoredRecord) expired(now time.Time) bool {
	return r.TTL > 0 && now.After(r.StoredAt.Add(time.Duration(r.TTL)*time.Second))
}

// RecordStore is the local key/value store the DHT operations delegate to.
type RecordStore interface {
	Put(key string, value []byte, publisher string, ttl int64) error
	Get(key string) ([]byte, bool)
	Remove(key string) bool
	Keys() []string
	Count() int
	CleanupExpired() int
}

// MemoryRecordStore keeps records in memory only.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]StoredRecord
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]StoredRecord)}
}

// Put stores or replaces a record.
func (s *MemoryRecordStore) Put(key string, value []byte, publisher string, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = StoredRecord{
		Key:       key,
		Value:     value,
		Publisher: publisher,
		StoredAt:  time.Now(),
		TTL:       ttl,
	}

	return nil
}

// Get returns the value for key, if present and not expired.
func (s *MemoryRecordStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok || rec.expired(time.Now()) {
		return nil, false
	}

	return rec.Value, true
}

// Remove deletes a record, reporting whether it existed.
func (s *MemoryRecordStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[key]
	delete(s.records, key)

	return ok
}

// Keys lists the stored record keys.
func (s *MemoryRecordStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}

	return keys
}

// Count returns the number of stored records.
func (s *MemoryRecordStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// CleanupExpired removes expired records and returns how many were dropped.
func (s *MemoryRecordStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for k, rec := range s.records {
		if rec.expired(now) {
			delete(s.records, k)

			removed++
		}
	}

	return removed
}

// PersistentRecordStore mirrors every mutation to a JSON file so records
// survive restarts. Writes go to a temp file first and are renamed into place.
type PersistentRecordStore struct {
	mu       sync.Mutex
	filepath string
	memory   *MemoryRecordStore
}

type persistedRecords struct {
	Version int            `json:"version"`
	Records []StoredRecord `json:"records"`
}

// OpenPersistentRecordStore loads the store from disk, starting empty when the
// file does not exist yet.
func OpenPersistentRecordStore(path string) (*PersistentRecordStore, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	store := &PersistentRecordStore{
		filepath: path,
		memory:   NewMemoryRecordStore(),
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if os.IsNotExist(err) {
		return store, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read record store: %w", err)
	}

	var persisted persistedRecords
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to parse record store: %w", err)
	}

	if persisted.Version != RecordStoreVersion {
		return store, nil
	}

	now := time.Now()
	for _, rec := range persisted.Records {
		if !rec.expired(now) {
			store.memory.records[rec.Key] = rec
		}
	}

	return store, nil
}

// Put stores a record and persists the store.
func (s *PersistentRecordStore) Put(key string, value []byte, publisher string, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.memory.Put(key, value, publisher, ttl); err != nil {
		return err
	}

	return s.saveLocked()
}

// Get returns the value for key, if present and not expired.
func (s *PersistentRecordStore) Get(key string) ([]byte, bool) {
	return s.memory.Get(key)
}

// Remove deletes a record and persists the store.
func (s *PersistentRecordStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.memory.Remove(key)
	if ok {
		if err := s.saveLocked(); err != nil {
			return ok
		}
	}

	return ok
}

// Keys lists the stored record keys.
func (s *PersistentRecordStore) Keys() []string {
	return s.memory.Keys()
}

// Count returns the number of stored records.
func (s *PersistentRecordStore) Count() int {
	return s.memory.Count()
}

// CleanupExpired removes expired records, persisting when any were dropped.
func (s *PersistentRecordStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.memory.CleanupExpired()
	if removed > 0 {
		_ = s.saveLocked()
	}

	return removed
}

func (s *PersistentRecordStore) saveLocked() error {
	s.memory.mu.RLock()
	persisted := persistedRecords{Version: RecordStoreVersion}

	for _, rec := range s.memory.records {
		persisted.Records = append(persisted.Records, rec)
	}
	s.memory.mu.RUnlock()

	if lastSlash := strings.LastIndex(s.filepath, "/"); lastSlash > 0 {
		if err := os.MkdirAll(s.filepath[:lastSlash], 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record store: %w", err)
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write record store: %w", err)
	}

	if err := os.Rename(tmpFile, s.filepath); err != nil {
		return fmt.Errorf("failed to rename record store: %w", err)
	}

	return nil
}

func expandHome(path string) (string, error) {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}

		return home + path[1:], nil
	}

	return path, nil
}

// permissiveValidator accepts any record under the node's namespace and
// prefers the last value when several candidates are returned.
type permissiveValidator struct{}

func (permissiveValidator) Validate(_ string, _ []byte) error {
	return nil
}

func (permissiveValidator) Select(_ string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("no values to select from")
	}

	return len(values) - 1, nil
}
