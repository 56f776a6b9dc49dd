package domain

import "time"

// EventTime is either a date-only value (all-day events) or a zoned date-time.
type EventTime struct {
	Date     string
	DateTime time.Time
	TimeZone string
}

// AllDay reports whether the value is date-only.
func (t EventTime) AllDay() bool {
	return t.Date != ""
}

// ReminderPolicy controls the reminders attached to a mirrored event.
type ReminderPolicy struct {
	UseDefault   bool
	PopupMinutes []int
}

// Provenance links a remote event back to the record it mirrors.
type Provenance struct {
	Kind     Kind
	LocalKey string
}

// CalendarEvent is the canonical payload sent to the remote calendar.
type CalendarEvent struct {
	Title       string
	Description string
	Start       EventTime
	End         EventTime
	Recurrence  string
	Reminders   ReminderPolicy
	Provenance  Provenance
}
