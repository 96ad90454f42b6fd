package keystore

import (
	"bytes"
	"sync"
)

// MemoryStore is an in-memory RegionStore.
type MemoryStore struct {
	mu      sync.RWMutex
	regions map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{regions: make(map[string][]byte)}
}

// Read returns a copy of the region contents.
func (s *MemoryStore) Read(region string) ([]byte, error) {
	if !validRegion(region) {
		return nil, ErrInvalidRegion
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.regions[region]
	if !ok {
		return nil, ErrRegionNotFound
	}
	return bytes.Clone(data), nil
}

// Write replaces the region contents.
func (s *MemoryStore) Write(region string, data []byte) error {
	if !validRegion(region) {
		return ErrInvalidRegion
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[region] = bytes.Clone(data)
	return nil
}

// Erase removes the region.
func (s *MemoryStore) Erase(region string) error {
	if !validRegion(region) {
		return ErrInvalidRegion
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return nil
}
