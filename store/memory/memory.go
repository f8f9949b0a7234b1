package memory

import (
	"sync"

	"github.com/risa-org/castchannel/store"
)

// Store is a thread-safe in-memory implementation of store.Store.
// Suitable for single-process tools and testing. Records are lost on
// restart.
type Store struct {
	mu      sync.RWMutex
	records map[string]store.DeviceRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]store.DeviceRecord)}
}

// Get retrieves the record for endpoint.
// Returns false if nothing is known about it.
func (s *Store) Get(endpoint string) (store.DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[endpoint]
	return rec, ok
}

// Put stores rec, replacing any record for the same endpoint.
func (s *Store) Put(rec store.DeviceRecord) error {
	s.mu.Lock()
	s.records[rec.Endpoint] = rec
	s.mu.Unlock()
	return nil
}

// Delete forgets endpoint.
func (s *Store) Delete(endpoint string) error {
	s.mu.Lock()
	delete(s.records, endpoint)
	s.mu.Unlock()
	return nil
}

// Count returns the number of records currently in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
