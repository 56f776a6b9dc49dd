//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/calendarsync/internal/credentials"
	"example.com/calendarsync/internal/domain"
	"example.com/calendarsync/internal/syncstate"
)

func setupRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("fitness"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewRepository(pool), pool
}

func TestRepositoryStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)
	userID := uuid.NewString()

	state, err := repo.GetState(ctx, userID)
	require.NoError(t, err)
	require.False(t, state.Enabled)
	require.Zero(t, state.IdentityMap.Len())

	require.NoError(t, repo.SetEnabled(ctx, userID, true))
	require.NoError(t, repo.SetLastError(ctx, userID, "boom"))
	attempt := time.Date(2025, 10, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetLastAttemptAt(ctx, userID, attempt))

	require.NoError(t, repo.RecordBulkSynced(ctx, userID, map[domain.Kind][]syncstate.Mapping{
		domain.KindStreak:  {{LocalKey: "streak:2025-10-10", RemoteEventID: "evt-1"}},
		domain.KindWorkout: {{LocalKey: "workout:w1", RemoteEventID: "evt-2"}},
	}))
	require.NoError(t, repo.RecordBulkSynced(ctx, userID, map[domain.Kind][]syncstate.Mapping{
		domain.KindStreak: {{LocalKey: "streak:2025-10-11", RemoteEventID: "evt-3"}},
	}))

	state, err = repo.GetState(ctx, userID)
	require.NoError(t, err)
	require.True(t, state.Enabled)
	require.Equal(t, "boom", state.LastError)
	require.True(t, attempt.Equal(state.LastAttemptAt))
	require.Equal(t, 3, state.IdentityMap.Len())

	id, ok := state.IdentityMap.Lookup(domain.KindStreak, "streak:2025-10-10")
	require.True(t, ok)
	require.Equal(t, "evt-1", id)

	require.NoError(t, repo.SetLastError(ctx, userID, ""))
	synced := attempt.Add(time.Minute)
	require.NoError(t, repo.SetLastSyncedAt(ctx, userID, synced))

	state, err = repo.GetState(ctx, userID)
	require.NoError(t, err)
	require.Empty(t, state.LastError)
	require.True(t, synced.Equal(state.LastSyncedAt))
	require.True(t, state.Enabled, "field updates must not reset other columns")

	other, err := repo.GetState(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Zero(t, other.IdentityMap.Len())
}

func TestGrantStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)
	grants := NewGrantStore(repo)
	userID := uuid.NewString()

	_, err := grants.Grant(ctx, userID)
	require.ErrorIs(t, err, credentials.ErrGrantNotFound)

	require.NoError(t, grants.SaveGrant(ctx, userID, "refresh-1"))
	require.NoError(t, grants.SaveGrant(ctx, userID, "refresh-2"))

	token, err := grants.Grant(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "refresh-2", token)

	require.NoError(t, grants.DeleteGrant(ctx, userID))
	_, err = grants.Grant(ctx, userID)
	require.ErrorIs(t, err, credentials.ErrGrantNotFound)
}

func TestSnapshotReaderLoadsDomainTables(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t)
	userID := uuid.NewString()

	seed := []struct {
		stmt string
		args []any
	}{
		{`INSERT INTO workout_sessions (session_id, user_id, session_date, name, duration_min, exercises, completed)
            VALUES ('w1', $1, '2025-10-10', 'Leg day', 45, ARRAY['squat','lunge'], true)`, []any{userID}},
		{`INSERT INTO scheduled_tasks (task_id, user_id, title, task_date, start_time, duration_min, recurrence, until_date)
            VALUES ('t1', $1, 'Focus', '2025-10-10', '09:30', 25, 'weekly', '2025-12-31')`, []any{userID}},
		{`INSERT INTO task_occurrence_logs (log_id, user_id, task_id, title, log_date, completed_at)
            VALUES ('l1', $1, 't1', 'Focus', '2025-10-10', '2025-10-10T10:00:00Z')`, []any{userID}},
		{`INSERT INTO streak_days (user_id, day) VALUES ($1, '2025-10-10'), ($1, '2025-10-11')`, []any{userID}},
		{`INSERT INTO user_streaks (user_id, current_streak) VALUES ($1, 2)`, []any{userID}},
		{`INSERT INTO wellness_activity_logs (log_id, user_id, activity, name, started_at, duration_min)
            VALUES ('m1', $1, 'meditation', 'Morning calm', '2025-10-10T07:00:00Z', 10)`, []any{userID}},
		{`INSERT INTO user_preferences (user_id, auto_sync_calendar, timezone) VALUES ($1, true, 'Europe/Berlin')`, []any{userID}},
	}
	for _, s := range seed {
		_, err := pool.Exec(ctx, s.stmt, s.args...)
		require.NoError(t, err)
	}

	snapshot, err := NewSnapshotReader(repo).Snapshot(ctx, userID)
	require.NoError(t, err)

	require.Len(t, snapshot.Workouts, 1)
	require.Equal(t, domain.WorkoutSession{ID: "w1", Date: "2025-10-10", Name: "Leg day", DurationMin: 45, Exercises: []string{"squat", "lunge"}, Completed: true}, snapshot.Workouts[0])

	require.Len(t, snapshot.Tasks, 1)
	require.Equal(t, "09:30", snapshot.Tasks[0].StartTime)
	require.Empty(t, snapshot.Tasks[0].EndTime)
	require.Equal(t, domain.RecurrenceWeekly, snapshot.Tasks[0].Recurrence)
	require.Equal(t, "2025-12-31", snapshot.Tasks[0].Until)

	require.Len(t, snapshot.TaskLogs, 1)
	require.NotNil(t, snapshot.TaskLogs[0].CompletedAt)

	require.Len(t, snapshot.StreakDays, 2)
	require.Equal(t, 2, snapshot.StreakCount)

	require.Len(t, snapshot.WellnessLogs, 1)
	require.Nil(t, snapshot.WellnessLogs[0].EndedAt)

	require.True(t, snapshot.Preferences.AutoSyncCalendar)
	require.Equal(t, "Europe/Berlin", snapshot.Preferences.Timezone)

	empty, err := NewSnapshotReader(repo).Snapshot(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Empty(t, empty.Records())
	require.False(t, empty.Preferences.AutoSyncCalendar)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_calendar_sync.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
