package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is an in-memory DurableStore for tests and embedders that
// supply their own persistence.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	closed      bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string][]byte)}
}

// Put stores value under (collection, key), creating the collection if needed.
func (s *MemoryStore) Put(ctx context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorage
	}
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string][]byte)
		s.collections[collection] = c
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	c[key] = buf
	return nil
}

// Get returns the value for (collection, key), or nil when absent.
func (s *MemoryStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorage
	}
	v, ok := s.collections[collection][key]
	if !ok {
		return nil, nil
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, nil
}

// List returns all records in a collection, ordered by key.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorage
	}
	c := s.collections[collection]
	records := make([]Record, 0, len(c))
	for k, v := range c {
		buf := make([]byte, len(v))
		copy(buf, v)
		records = append(records, Record{Key: k, Value: buf})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// ListByIndex filters a collection by a top-level JSON field value.
func (s *MemoryStore) ListByIndex(ctx context.Context, collection, field, want string) ([]Record, error) {
	all, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(r.Value, &fields); err != nil {
			continue
		}
		if string(fields[field]) == want {
			out = append(out, r)
		}
	}
	return out, nil
}

// Delete removes (collection, key). Deleting an absent key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorage
	}
	delete(s.collections[collection], key)
	return nil
}

// Clear removes every record in a collection.
func (s *MemoryStore) Clear(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorage
	}
	delete(s.collections, collection)
	return nil
}

// Close marks the store closed. Further calls fail with ErrStorage.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
