package memory

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Load(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{History: []Turn{}}, nil
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Save(_ context.Context, sessionID string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sessionID] = record.Clone()
	return nil
}

// Len returns the number of session records held.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore) Close() error { return nil }
