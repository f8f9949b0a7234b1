package file

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/risa-org/castchannel/store"
)

// encMode keeps sub-second connect times across a restart.
var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Store is a file-backed implementation of store.Store.
// Records are persisted as a CBOR array and survive restarts.
// Not suitable for several processes sharing one file.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]store.DeviceRecord
}

// New creates a file-backed store at the given path.
// If the file exists, records are loaded from it on startup.
// If it doesn't exist, it will be created on first write.
func New(path string) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]store.DeviceRecord),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load device records from %s: %w", path, err)
	}

	return s, nil
}

// Get retrieves the record for endpoint from memory.
func (s *Store) Get(endpoint string) (store.DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[endpoint]
	return rec, ok
}

// Put stores rec in memory and flushes to disk.
func (s *Store) Put(rec store.DeviceRecord) error {
	s.mu.Lock()
	s.records[rec.Endpoint] = rec
	err := s.flush()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to persist device record: %w", err)
	}
	return nil
}

// Delete removes a record from memory and flushes to disk.
func (s *Store) Delete(endpoint string) error {
	s.mu.Lock()
	delete(s.records, endpoint)
	err := s.flush()
	s.mu.Unlock()
	return err
}

// Count returns the number of records currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Flush writes the current state to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// load reads records from the CBOR file into memory.
// Called once at startup. A missing file is an empty store.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var records []store.DeviceRecord
	if err := cbor.Unmarshal(data, &records); err != nil {
		return err
	}
	for _, r := range records {
		s.records[r.Endpoint] = r
	}
	return nil
}

// flush writes the in-memory state to the CBOR file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	records := make([]store.DeviceRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Endpoint < records[j].Endpoint })

	data, err := encMode.Marshal(records)
	if err != nil {
		return err
	}

	// temp file then rename, so a crash mid-write never leaves a torn file
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
