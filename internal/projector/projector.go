// Package projector maps domain records onto calendar event payloads.
//
// Projection is pure: the same record, timezone and streak counter always produce
// the same event and the same local key. Records whose temporal fields cannot be
// resolved are dropped rather than reported as errors.
package projector

import (
	"fmt"
	"strings"
	"time"

	"example.com/calendarsync/internal/domain"
)

// DefaultDuration applies to timed records that carry no duration of their own.
const DefaultDuration = 30 * time.Minute

const (
	dateLayout      = "2006-01-02"
	dateClockLayout = "2006-01-02 15:04"
	rruleDateLayout = "20060102"
	rruleUTCLayout  = "20060102T150405Z"

	taskReminderMinutes = 10
)

// Item is a projected event paired with the local key it is tracked under.
type Item struct {
	Kind     domain.Kind
	LocalKey string
	Event    domain.CalendarEvent
}

// Projector renders records for one user in one timezone.
type Projector struct {
	loc         *time.Location
	streakCount int
}

// New builds a Projector. A nil location falls back to the process local zone.
func New(loc *time.Location, streakCount int) Projector {
	if loc == nil {
		loc = time.Local
	}
	return Projector{loc: loc, streakCount: streakCount}
}

// Items projects every record in the snapshot, discarding records that cannot be projected.
func Items(snapshot domain.Snapshot, loc *time.Location) []Item {
	p := New(loc, snapshot.StreakCount)
	records := snapshot.Records()
	items := make([]Item, 0, len(records))
	for _, record := range records {
		event, ok := p.Project(record)
		if !ok {
			continue
		}
		items = append(items, Item{
			Kind:     record.Kind(),
			LocalKey: event.Provenance.LocalKey,
			Event:    event,
		})
	}
	return items
}

// LocalKey derives the stable identity of a record. Records with an id use
// "kind:<id>"; records without one use "kind~<fields>", so a fallback key can
// never equal an id key whatever characters the id holds. Streak days are
// identified by their date alone.
func LocalKey(record domain.Record) string {
	switch r := record.(type) {
	case domain.WorkoutSession:
		return key(domain.KindWorkout, r.ID, r.Date, r.Name)
	case domain.ScheduledTask:
		return key(domain.KindTask, r.ID, r.Date, r.Title)
	case domain.TaskOccurrenceLog:
		if r.TaskID != "" {
			return key(domain.KindTaskLog, r.ID, r.TaskID, r.Date)
		}
		return key(domain.KindTaskLog, r.ID, r.Date, r.Title)
	case domain.StreakDay:
		return string(domain.KindStreak) + ":" + r.Date
	case domain.WellnessActivityLog:
		started := ""
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.UTC().Format(time.RFC3339)
		}
		return key(domain.KindWellness, r.ID, started, r.Name)
	default:
		return ""
	}
}

func key(kind domain.Kind, id string, fallback ...string) string {
	if id = strings.TrimSpace(id); id != "" {
		return string(kind) + ":" + id
	}
	return string(kind) + "~" + strings.Join(fallback, "|")
}

// Project converts a record into a calendar event. ok is false when the record
// lacks the temporal fields needed for a valid start and end.
func (p Projector) Project(record domain.Record) (event domain.CalendarEvent, ok bool) {
	switch r := record.(type) {
	case domain.WorkoutSession:
		event, ok = p.workout(r)
	case domain.ScheduledTask:
		event, ok = p.task(r)
	case domain.TaskOccurrenceLog:
		event, ok = p.taskLog(r)
	case domain.StreakDay:
		event, ok = p.streak(r)
	case domain.WellnessActivityLog:
		event, ok = p.wellness(r)
	default:
		return domain.CalendarEvent{}, false
	}
	if !ok {
		return domain.CalendarEvent{}, false
	}
	event.Provenance = domain.Provenance{Kind: record.Kind(), LocalKey: LocalKey(record)}
	return event, true
}

func (p Projector) workout(r domain.WorkoutSession) (domain.CalendarEvent, bool) {
	start, end, ok := allDay(r.Date)
	if !ok {
		return domain.CalendarEvent{}, false
	}

	name := firstNonEmpty(r.Name, "Workout")
	title := "Workout: " + name
	if r.Completed {
		title = "Completed workout: " + name
	}

	var desc []string
	if r.DurationMin > 0 {
		desc = append(desc, fmt.Sprintf("Duration: %d min", r.DurationMin))
	}
	if len(r.Exercises) > 0 {
		desc = append(desc, "Exercises: "+strings.Join(r.Exercises, ", "))
	}

	return domain.CalendarEvent{
		Title:       title,
		Description: strings.Join(desc, "\n"),
		Start:       start,
		End:         end,
	}, true
}

func (p Projector) task(r domain.ScheduledTask) (domain.CalendarEvent, bool) {
	event := domain.CalendarEvent{
		Title:       firstNonEmpty(r.Title, "Scheduled task"),
		Description: r.Notes,
	}

	if strings.TrimSpace(r.StartTime) == "" {
		start, end, ok := allDay(r.Date)
		if !ok {
			return domain.CalendarEvent{}, false
		}
		event.Start, event.End = start, end
	} else {
		startAt, err := time.ParseInLocation(dateClockLayout, r.Date+" "+r.StartTime, p.loc)
		if err != nil {
			return domain.CalendarEvent{}, false
		}
		endAt := startAt.Add(duration(r.DurationMin))
		if strings.TrimSpace(r.EndTime) != "" {
			explicit, err := time.ParseInLocation(dateClockLayout, r.Date+" "+r.EndTime, p.loc)
			if err != nil {
				return domain.CalendarEvent{}, false
			}
			if explicit.After(startAt) {
				endAt = explicit
			}
		}
		event.Start, event.End = p.timed(startAt), p.timed(endAt)
		event.Reminders = domain.ReminderPolicy{PopupMinutes: []int{taskReminderMinutes}}
	}

	rule, ok := p.recurrence(r, event.Start.AllDay())
	if !ok {
		return domain.CalendarEvent{}, false
	}
	event.Recurrence = rule
	return event, true
}

func (p Projector) recurrence(r domain.ScheduledTask, allDayEvent bool) (string, bool) {
	var freq string
	switch r.Recurrence {
	case domain.RecurrenceNone:
		return "", true
	case domain.RecurrenceDaily:
		freq = "DAILY"
	case domain.RecurrenceWeekly:
		freq = "WEEKLY"
	default:
		return "", false
	}

	rule := "RRULE:FREQ=" + freq
	if strings.TrimSpace(r.Until) == "" {
		return rule, true
	}
	until, err := time.ParseInLocation(dateLayout, r.Until, p.loc)
	if err != nil {
		return "", false
	}
	if allDayEvent {
		return rule + ";UNTIL=" + until.Format(rruleDateLayout), true
	}
	// Zoned series need a UTC date-time bound covering the whole last day.
	last := until.AddDate(0, 0, 1).Add(-time.Second)
	return rule + ";UNTIL=" + last.UTC().Format(rruleUTCLayout), true
}

func (p Projector) taskLog(r domain.TaskOccurrenceLog) (domain.CalendarEvent, bool) {
	event := domain.CalendarEvent{
		Title: "Completed: " + firstNonEmpty(r.Title, "Task"),
	}
	if r.CompletedAt != nil && !r.CompletedAt.IsZero() {
		endAt := *r.CompletedAt
		event.Start = p.timed(endAt.Add(-duration(r.DurationMin)))
		event.End = p.timed(endAt)
		return event, true
	}
	start, end, ok := allDay(r.Date)
	if !ok {
		return domain.CalendarEvent{}, false
	}
	event.Start, event.End = start, end
	return event, true
}

func (p Projector) streak(r domain.StreakDay) (domain.CalendarEvent, bool) {
	start, end, ok := allDay(r.Date)
	if !ok {
		return domain.CalendarEvent{}, false
	}
	desc := "Streak day logged."
	if p.streakCount > 0 {
		desc = fmt.Sprintf("Streak day logged. Current streak: %d days.", p.streakCount)
	}
	return domain.CalendarEvent{
		Title:       "Streak day",
		Description: desc,
		Start:       start,
		End:         end,
	}, true
}

func (p Projector) wellness(r domain.WellnessActivityLog) (domain.CalendarEvent, bool) {
	if r.StartedAt.IsZero() {
		return domain.CalendarEvent{}, false
	}
	endAt := r.StartedAt.Add(duration(r.DurationMin))
	if r.EndedAt != nil && r.EndedAt.After(r.StartedAt) {
		endAt = *r.EndedAt
	}

	var desc string
	if r.Activity != "" {
		desc = "Activity: " + r.Activity
	}
	return domain.CalendarEvent{
		Title:       "Wellness: " + firstNonEmpty(r.Name, r.Activity, "Session"),
		Description: desc,
		Start:       p.timed(r.StartedAt),
		End:         p.timed(endAt),
	}, true
}

func (p Projector) timed(t time.Time) domain.EventTime {
	zone := p.loc.String()
	if zone == "Local" {
		// Not an IANA name; the offset in DateTime is authoritative.
		zone = ""
	}
	return domain.EventTime{DateTime: t.In(p.loc), TimeZone: zone}
}

// allDay returns the half-open [date, date+1) interval for a date-only record.
func allDay(date string) (domain.EventTime, domain.EventTime, bool) {
	day, err := time.Parse(dateLayout, strings.TrimSpace(date))
	if err != nil {
		return domain.EventTime{}, domain.EventTime{}, false
	}
	return domain.EventTime{Date: day.Format(dateLayout)},
		domain.EventTime{Date: day.AddDate(0, 0, 1).Format(dateLayout)},
		true
}

func duration(minutes int) time.Duration {
	if minutes <= 0 {
		return DefaultDuration
	}
	return time.Duration(minutes) * time.Minute
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
