package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/calendarsync/internal/domain"
)

// SnapshotReader loads domain snapshots from the activity tables.
type SnapshotReader struct {
	repo *Repository
}

var _ domain.SnapshotSource = (*SnapshotReader)(nil)

// NewSnapshotReader constructs a SnapshotReader sharing the repository's pool.
func NewSnapshotReader(repo *Repository) *SnapshotReader {
	return &SnapshotReader{repo: repo}
}

// Snapshot reads every collection inside one repeatable-read transaction so
// the cycle sees a consistent view.
func (s *SnapshotReader) Snapshot(ctx context.Context, userID string) (domain.Snapshot, error) {
	snapshot := domain.Snapshot{UserID: userID}

	tx, err := s.repo.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return snapshot, err
	}
	defer tx.Rollback(ctx)

	loaders := []func(context.Context, pgx.Tx, string, *domain.Snapshot) error{
		loadWorkouts,
		loadTasks,
		loadTaskLogs,
		loadStreak,
		loadWellness,
		loadPreferences,
	}
	for _, load := range loaders {
		if err := load(ctx, tx, userID, &snapshot); err != nil {
			return domain.Snapshot{UserID: userID}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Snapshot{UserID: userID}, err
	}
	return snapshot, nil
}

func loadWorkouts(ctx context.Context, tx pgx.Tx, userID string, snapshot *domain.Snapshot) error {
	const query = `SELECT session_id, to_char(session_date, 'YYYY-MM-DD'), name, COALESCE(duration_min, 0), COALESCE(exercises, '{}'), completed
        FROM workout_sessions WHERE user_id=$1 ORDER BY session_date, session_id`

	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var w domain.WorkoutSession
		if err := rows.Scan(&w.ID, &w.Date, &w.Name, &w.DurationMin, &w.Exercises, &w.Completed); err != nil {
			return err
		}
		snapshot.Workouts = append(snapshot.Workouts, w)
	}
	return rows.Err()
}

func loadTasks(ctx context.Context, tx pgx.Tx, userID string, snapshot *domain.Snapshot) error {
	const query = `SELECT task_id, title, notes, to_char(task_date, 'YYYY-MM-DD'),
            COALESCE(to_char(start_time, 'HH24:MI'), ''), COALESCE(to_char(end_time, 'HH24:MI'), ''),
            COALESCE(duration_min, 0), recurrence, COALESCE(to_char(until_date, 'YYYY-MM-DD'), '')
        FROM scheduled_tasks WHERE user_id=$1 ORDER BY task_date, task_id`

	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t          domain.ScheduledTask
			recurrence string
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Notes, &t.Date, &t.StartTime, &t.EndTime, &t.DurationMin, &recurrence, &t.Until); err != nil {
			return err
		}
		t.Recurrence = domain.Recurrence(recurrence)
		snapshot.Tasks = append(snapshot.Tasks, t)
	}
	return rows.Err()
}

func loadTaskLogs(ctx context.Context, tx pgx.Tx, userID string, snapshot *domain.Snapshot) error {
	const query = `SELECT log_id, task_id, title, to_char(log_date, 'YYYY-MM-DD'), completed_at, COALESCE(duration_min, 0)
        FROM task_occurrence_logs WHERE user_id=$1 ORDER BY log_date, log_id`

	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.TaskOccurrenceLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Title, &l.Date, &l.CompletedAt, &l.DurationMin); err != nil {
			return err
		}
		snapshot.TaskLogs = append(snapshot.TaskLogs, l)
	}
	return rows.Err()
}

func loadStreak(ctx context.Context, tx pgx.Tx, userID string, snapshot *domain.Snapshot) error {
	rows, err := tx.Query(ctx, `SELECT to_char(day, 'YYYY-MM-DD') FROM streak_days WHERE user_id=$1 ORDER BY day`, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var d domain.StreakDay
		if err := rows.Scan(&d.Date); err != nil {
			return err
		}
		snapshot.StreakDays = append(snapshot.StreakDays, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	row := tx.QueryRow(ctx, `SELECT current_streak FROM user_streaks WHERE user_id=$1`, userID)
	if err := row.Scan(&snapshot.StreakCount); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return nil
}

func loadWellness(ctx context.Context, tx pgx.Tx, userID string, snapshot *domain.Snapshot) error {
	const query = `SELECT log_id, activity, name, started_at, ended_at, COALESCE(duration_min, 0)
        FROM wellness_activity_logs WHERE user_id=$1 ORDER BY started_at, log_id`

	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l       domain.WellnessActivityLog
			started time.Time
		)
		if err := rows.Scan(&l.ID, &l.Activity, &l.Name, &started, &l.EndedAt, &l.DurationMin); err != nil {
			return err
		}
		l.StartedAt = started.UTC()
		snapshot.WellnessLogs = append(snapshot.WellnessLogs, l)
	}
	return rows.Err()
}

func loadPreferences(ctx context.Context, tx pgx.Tx, userID string, snapshot *domain.Snapshot) error {
	row := tx.QueryRow(ctx, `SELECT auto_sync_calendar, timezone FROM user_preferences WHERE user_id=$1`, userID)
	err := row.Scan(&snapshot.Preferences.AutoSyncCalendar, &snapshot.Preferences.Timezone)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return nil
}
