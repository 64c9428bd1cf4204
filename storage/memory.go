package storage

import (
	"context"
	"sync"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// MemoryStore keeps registry rows in a map. Contents are lost on restart,
// so it is only suitable for tests and local development.
type MemoryStore struct {
	mutex sync.RWMutex
	rows  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, ok := s.rows[key]
	if !ok {
		return nil, interfaces.ErrRowNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rows[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *MemoryStore) LocationURI() string { return "memory://" }
