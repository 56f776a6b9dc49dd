package credentials

import (
	"context"
	"sync"
)

// MemoryGrantStore keeps grants in process memory.
type MemoryGrantStore struct {
	mu     sync.Mutex
	grants map[string]string
}

// NewMemoryGrantStore constructs an empty MemoryGrantStore.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string]string)}
}

func (s *MemoryGrantStore) Grant(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.grants[userID]
	if !ok {
		return "", ErrGrantNotFound
	}
	return token, nil
}

func (s *MemoryGrantStore) SaveGrant(_ context.Context, userID, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[userID] = refreshToken
	return nil
}

func (s *MemoryGrantStore) DeleteGrant(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, userID)
	return nil
}
