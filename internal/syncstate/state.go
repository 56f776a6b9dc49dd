// Package syncstate tracks per-user calendar mirror state and the identity map
// that routes records to create or update calls.
package syncstate

import (
	"context"
	"time"

	"example.com/calendarsync/internal/domain"
)

// Mapping associates a local key with the remote event mirroring it.
type Mapping struct {
	LocalKey      string
	RemoteEventID string
}

// IdentityMap holds local key -> remote event id pairs partitioned by record kind.
type IdentityMap map[domain.Kind]map[string]string

// Lookup returns the remote id stored for a local key.
func (m IdentityMap) Lookup(kind domain.Kind, localKey string) (string, bool) {
	id, ok := m[kind][localKey]
	return id, ok && id != ""
}

// Len counts the pairs across every kind.
func (m IdentityMap) Len() int {
	n := 0
	for _, entries := range m {
		n += len(entries)
	}
	return n
}

// Merge folds mappings into the map. Existing keys are kept and at most one
// remote id is held per key; a newer id for the same key replaces the older one.
func (m IdentityMap) Merge(batch map[domain.Kind][]Mapping) {
	for kind, mappings := range batch {
		for _, mapping := range mappings {
			if mapping.LocalKey == "" || mapping.RemoteEventID == "" {
				continue
			}
			entries, ok := m[kind]
			if !ok {
				entries = make(map[string]string)
				m[kind] = entries
			}
			entries[mapping.LocalKey] = mapping.RemoteEventID
		}
	}
}

// Clone returns a deep copy.
func (m IdentityMap) Clone() IdentityMap {
	out := make(IdentityMap, len(m))
	for kind, entries := range m {
		copied := make(map[string]string, len(entries))
		for k, v := range entries {
			copied[k] = v
		}
		out[kind] = copied
	}
	return out
}

// State is the persisted mirror state of one user.
type State struct {
	UserID        string
	Enabled       bool
	LastSyncedAt  time.Time
	LastAttemptAt time.Time
	LastError     string
	IdentityMap   IdentityMap
}

// Store mediates every read and write of per-user sync state. Each mutation
// touches only its own field so concurrent writers never lose each other's updates.
type Store interface {
	// GetState returns the user's state, or a default empty state if none exists yet.
	GetState(ctx context.Context, userID string) (State, error)
	SetEnabled(ctx context.Context, userID string, enabled bool) error
	// RecordBulkSynced merges mappings into the identity map without removing pairs.
	RecordBulkSynced(ctx context.Context, userID string, batch map[domain.Kind][]Mapping) error
	// SetLastError stores message; an empty message clears the error.
	SetLastError(ctx context.Context, userID string, message string) error
	SetLastSyncedAt(ctx context.Context, userID string, at time.Time) error
	SetLastAttemptAt(ctx context.Context, userID string, at time.Time) error
}
