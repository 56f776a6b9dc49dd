package syncstate

import (
	"context"
	"sync"
	"time"

	"example.com/calendarsync/internal/domain"
)

// MemoryStore keeps state in a single owned table guarded by one lock.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

// GetState returns a copy of the user's state.
func (s *MemoryStore) GetState(_ context.Context, userID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userID]
	if !ok {
		return State{UserID: userID, IdentityMap: IdentityMap{}}, nil
	}
	out := *st
	out.IdentityMap = st.IdentityMap.Clone()
	return out, nil
}

// SetEnabled toggles mirroring for the user.
func (s *MemoryStore) SetEnabled(_ context.Context, userID string, enabled bool) error {
	s.update(userID, func(st *State) { st.Enabled = enabled })
	return nil
}

// RecordBulkSynced merges the batch into the identity map.
func (s *MemoryStore) RecordBulkSynced(_ context.Context, userID string, batch map[domain.Kind][]Mapping) error {
	s.update(userID, func(st *State) { st.IdentityMap.Merge(batch) })
	return nil
}

// SetLastError records or clears the last error.
func (s *MemoryStore) SetLastError(_ context.Context, userID string, message string) error {
	s.update(userID, func(st *State) { st.LastError = message })
	return nil
}

// SetLastSyncedAt records the last successful cycle.
func (s *MemoryStore) SetLastSyncedAt(_ context.Context, userID string, at time.Time) error {
	s.update(userID, func(st *State) { st.LastSyncedAt = at })
	return nil
}

// SetLastAttemptAt records the start of the most recent cycle.
func (s *MemoryStore) SetLastAttemptAt(_ context.Context, userID string, at time.Time) error {
	s.update(userID, func(st *State) { st.LastAttemptAt = at })
	return nil
}

func (s *MemoryStore) update(userID string, fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userID]
	if !ok {
		st = &State{UserID: userID, IdentityMap: IdentityMap{}}
		s.states[userID] = st
	}
	fn(st)
}
