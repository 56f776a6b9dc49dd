// Package domain defines the read-only activity records mirrored into the calendar.
package domain

import (
	"context"
	"time"
)

// Kind identifies one of the record families that can be mirrored.
type Kind string

const (
	KindWorkout  Kind = "workout"
	KindTask     Kind = "task"
	KindTaskLog  Kind = "task_log"
	KindStreak   Kind = "streak"
	KindWellness Kind = "wellness"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindWorkout, KindTask, KindTaskLog, KindStreak, KindWellness}

// Record is implemented by the five record kinds only.
type Record interface {
	Kind() Kind
	isRecord()
}

// Recurrence describes how a scheduled task repeats.
type Recurrence string

const (
	RecurrenceNone   Recurrence = ""
	RecurrenceDaily  Recurrence = "daily"
	RecurrenceWeekly Recurrence = "weekly"
)

// WorkoutSession is a completed or planned workout on a given day.
type WorkoutSession struct {
	ID          string
	Date        string // YYYY-MM-DD
	Name        string
	DurationMin int
	Exercises   []string
	Completed   bool
}

// ScheduledTask is a focus session or recurring task with an optional start time.
type ScheduledTask struct {
	ID          string
	Title       string
	Notes       string
	Date        string // YYYY-MM-DD, first occurrence
	StartTime   string // HH:MM, wall clock in the user's timezone
	EndTime     string // HH:MM, optional
	DurationMin int
	Recurrence  Recurrence
	Until       string // YYYY-MM-DD, optional recurrence bound
}

// TaskOccurrenceLog records one completion of a recurring task.
type TaskOccurrenceLog struct {
	ID          string
	TaskID      string
	Title       string
	Date        string
	CompletedAt *time.Time
	DurationMin int
}

// StreakDay marks a day that counted towards the user's streak.
type StreakDay struct {
	Date string
}

// WellnessActivityLog is a logged meditation, breathing or stretching session.
type WellnessActivityLog struct {
	ID          string
	Activity    string
	Name        string
	StartedAt   time.Time
	EndedAt     *time.Time
	DurationMin int
}

func (WorkoutSession) Kind() Kind      { return KindWorkout }
func (ScheduledTask) Kind() Kind       { return KindTask }
func (TaskOccurrenceLog) Kind() Kind   { return KindTaskLog }
func (StreakDay) Kind() Kind           { return KindStreak }
func (WellnessActivityLog) Kind() Kind { return KindWellness }

func (WorkoutSession) isRecord()      {}
func (ScheduledTask) isRecord()       {}
func (TaskOccurrenceLog) isRecord()   {}
func (StreakDay) isRecord()           {}
func (WellnessActivityLog) isRecord() {}

// Preferences holds the user settings the mirror consults.
type Preferences struct {
	AutoSyncCalendar bool
	Timezone         string
}

// Snapshot is a point-in-time, read-only view of a user's domain store.
type Snapshot struct {
	UserID       string
	Workouts     []WorkoutSession
	Tasks        []ScheduledTask
	TaskLogs     []TaskOccurrenceLog
	StreakDays   []StreakDay
	WellnessLogs []WellnessActivityLog
	StreakCount  int
	Preferences  Preferences
}

// Records flattens the snapshot into a single slice of records.
func (s Snapshot) Records() []Record {
	out := make([]Record, 0, len(s.Workouts)+len(s.Tasks)+len(s.TaskLogs)+len(s.StreakDays)+len(s.WellnessLogs))
	for _, r := range s.Workouts {
		out = append(out, r)
	}
	for _, r := range s.Tasks {
		out = append(out, r)
	}
	for _, r := range s.TaskLogs {
		out = append(out, r)
	}
	for _, r := range s.StreakDays {
		out = append(out, r)
	}
	for _, r := range s.WellnessLogs {
		out = append(out, r)
	}
	return out
}

// SnapshotSource loads the current domain snapshot for a user.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
}
