package domain

import (
	"context"
	"sync"
)

// MemorySnapshots is an in-process SnapshotSource for the memory backend.
type MemorySnapshots struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemorySnapshots constructs an empty MemorySnapshots.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snapshots: make(map[string]Snapshot)}
}

// Put replaces the user's snapshot.
func (m *MemorySnapshots) Put(snapshot Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.UserID] = snapshot
}

// Snapshot returns the stored snapshot, or an empty one for unknown users.
func (m *MemorySnapshots) Snapshot(_ context.Context, userID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[userID]
	if !ok {
		return Snapshot{UserID: userID}, nil
	}
	return snapshot, nil
}
