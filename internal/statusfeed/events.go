// Package statusfeed publishes calendar sync status events to Kafka.
package statusfeed

import "time"

// Outcome values carried by SyncStatus.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// EventTypeSyncStatus names the status event.
const EventTypeSyncStatus = "calendar.sync_status"

// SyncStatus is emitted after every attempted sync cycle.
type SyncStatus struct {
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id"`
	CycleID     string    `json:"cycle_id,omitempty"`
	Trigger     string    `json:"trigger"`
	Outcome     string    `json:"outcome"`
	SyncedCount int       `json:"synced_count"`
	FailedCount int       `json:"failed_count"`
	Kinds       []string  `json:"kinds"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
