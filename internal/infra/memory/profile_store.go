package memory

import (
	"context"
	"sync"

	"quiz-attempt-client/internal/domain"
)

// ProfileStore is an in-memory implementation of app.ProfileStore.
type ProfileStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		entries: make(map[string][]byte),
	}
}

func (s *ProfileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[key]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *ProfileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *ProfileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Keys lists the stored keys.
func (s *ProfileStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
