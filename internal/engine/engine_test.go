package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/calendarsync/internal/domain"
	"example.com/calendarsync/internal/gcal"
	"example.com/calendarsync/internal/syncstate"
)

var quietLogger = log.New(io.Discard, "", 0)

type stubWriter struct {
	mu      sync.Mutex
	creates []string
	updates map[string]string
	failFor map[string]error
	nextID  int
}

func newStubWriter() *stubWriter {
	return &stubWriter{updates: make(map[string]string), failFor: make(map[string]error)}
}

func (w *stubWriter) CreateEvent(_ context.Context, _ string, event domain.CalendarEvent) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failFor[event.Provenance.LocalKey]; err != nil {
		return "", err
	}
	w.nextID++
	w.creates = append(w.creates, event.Provenance.LocalKey)
	return fmt.Sprintf("evt-%d", w.nextID), nil
}

func (w *stubWriter) UpdateEvent(_ context.Context, _ string, remoteID string, event domain.CalendarEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failFor[event.Provenance.LocalKey]; err != nil {
		return err
	}
	w.updates[event.Provenance.LocalKey] = remoteID
	return nil
}

func runSync(t *testing.T, e *Engine, store syncstate.Store, snapshot domain.Snapshot) (Result, error) {
	t.Helper()
	state, err := store.GetState(context.Background(), snapshot.UserID)
	require.NoError(t, err)
	return e.Sync(context.Background(), SyncInput{
		UserID:      snapshot.UserID,
		AccessToken: "tok",
		Snapshot:    snapshot,
		Location:    time.UTC,
		State:       state,
	})
}

func threeRecordSnapshot() domain.Snapshot {
	return domain.Snapshot{
		UserID: "user-1",
		Workouts: []domain.WorkoutSession{
			{ID: "w1", Date: "2025-10-12", Name: "Cardio Blast"},
			{ID: "w2", Date: "2025-10-13", Name: "Strength"},
		},
		StreakDays: []domain.StreakDay{{Date: "2025-10-12"}},
	}
}

func TestSyncRejectsMissingPreconditions(t *testing.T) {
	writer := newStubWriter()
	e := New(syncstate.NewMemoryStore(), writer, WithLogger(quietLogger))

	_, err := e.Sync(context.Background(), SyncInput{AccessToken: "tok"})
	require.ErrorIs(t, err, ErrMissingUser)

	_, err = e.Sync(context.Background(), SyncInput{UserID: "user-1"})
	require.ErrorIs(t, err, ErrMissingToken)
	require.Empty(t, writer.creates)
}

func TestSecondSyncOnlyUpdates(t *testing.T) {
	store := syncstate.NewMemoryStore()
	writer := newStubWriter()
	e := New(store, writer, WithLogger(quietLogger))
	snapshot := threeRecordSnapshot()

	first, err := runSync(t, e, store, snapshot)
	require.NoError(t, err)
	require.Equal(t, 3, first.Created)
	require.Equal(t, 3, first.SyncedCount)
	require.Equal(t, []domain.Kind{domain.KindStreak, domain.KindWorkout}, first.UpdatedKinds)

	before, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 3, before.IdentityMap.Len())

	second, err := runSync(t, e, store, snapshot)
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Equal(t, 3, second.Updated)
	require.Len(t, writer.creates, 3)

	after, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, before.IdentityMap, after.IdentityMap)
	require.False(t, after.LastSyncedAt.IsZero())
	require.Empty(t, after.LastError)
}

func TestPartialFailureKeepsSuccessesAndRetriesOnlyFailedItem(t *testing.T) {
	store := syncstate.NewMemoryStore()
	writer := newStubWriter()
	writer.failFor["workout:w2"] = errors.New("backend unavailable")
	e := New(store, writer, WithLogger(quietLogger))
	snapshot := threeRecordSnapshot()

	result, err := runSync(t, e, store, snapshot)
	require.Error(t, err)
	var perr *PartialSyncError
	require.True(t, errors.As(err, &perr))
	require.Len(t, perr.Errors, 1)
	require.Equal(t, 2, result.SyncedCount)
	require.Equal(t, 1, result.Failed)

	var itemErr *ItemError
	require.True(t, errors.As(err, &itemErr))
	require.Equal(t, "workout:w2", itemErr.LocalKey)

	state, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, state.IdentityMap.Len())
	_, mapped := state.IdentityMap.Lookup(domain.KindWorkout, "workout:w2")
	require.False(t, mapped)
	require.Contains(t, state.LastError, "backend unavailable")
	require.True(t, state.LastSyncedAt.IsZero())

	delete(writer.failFor, "workout:w2")
	retry, err := runSync(t, e, store, snapshot)
	require.NoError(t, err)
	require.Equal(t, 1, retry.Created)
	require.Equal(t, 2, retry.Updated)

	state, err = store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 3, state.IdentityMap.Len())
	require.Empty(t, state.LastError)
}

func TestDuplicateKeysInSnapshotCreateOnce(t *testing.T) {
	store := syncstate.NewMemoryStore()
	writer := newStubWriter()
	e := New(store, writer, WithLogger(quietLogger), WithConcurrency(1))

	snapshot := domain.Snapshot{
		UserID:     "user-1",
		StreakDays: []domain.StreakDay{{Date: "2025-10-10"}, {Date: "2025-10-10"}},
	}
	result, err := runSync(t, e, store, snapshot)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	require.Equal(t, []string{"streak:2025-10-10"}, writer.creates)
}

type fakeCalendar struct {
	mu       sync.Mutex
	posts    int
	patches  []string
	status   int
	response string
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.response))
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/calendars/primary/events":
		f.posts++
		_, _ = fmt.Fprintf(w, `{"id":"remote-%d"}`, f.posts)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/calendars/primary/events/"):
		id := strings.TrimPrefix(r.URL.Path, "/calendars/primary/events/")
		f.patches = append(f.patches, id)
		_, _ = fmt.Fprintf(w, `{"id":%q}`, id)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"not found"}}`))
	}
}

func newRemoteEngine(t *testing.T, fake *fakeCalendar) (*Engine, *syncstate.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	store := syncstate.NewMemoryStore()
	client := gcal.NewClient(gcal.WithEndpoint(srv.URL+"/"), gcal.WithHTTPClient(srv.Client()))
	return New(store, client, WithLogger(quietLogger)), store
}

func TestSingleWorkoutIsPostedThenPatched(t *testing.T) {
	fake := &fakeCalendar{}
	e, store := newRemoteEngine(t, fake)
	snapshot := domain.Snapshot{
		UserID:   "user-1",
		Workouts: []domain.WorkoutSession{{ID: "w1", Date: "2025-10-12", Name: "Cardio Blast"}},
	}

	_, err := runSync(t, e, store, snapshot)
	require.NoError(t, err)
	require.Equal(t, 1, fake.posts)

	state, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"workout:w1": "remote-1"}, state.IdentityMap[domain.KindWorkout])
	require.False(t, state.LastSyncedAt.IsZero())

	_, err = runSync(t, e, store, snapshot)
	require.NoError(t, err)
	require.Equal(t, 1, fake.posts)
	require.Equal(t, []string{"remote-1"}, fake.patches)
}

func TestUnauthorizedResponseLeavesIdentityMapEmpty(t *testing.T) {
	fake := &fakeCalendar{status: http.StatusUnauthorized, response: `{"error":{"message":"Invalid credentials"}}`}
	e, store := newRemoteEngine(t, fake)
	snapshot := domain.Snapshot{
		UserID:   "user-1",
		Workouts: []domain.WorkoutSession{{ID: "w1", Date: "2025-10-12", Name: "Cardio Blast"}},
	}

	_, err := runSync(t, e, store, snapshot)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Invalid credentials")

	var apiErr *gcal.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	state, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Zero(t, state.IdentityMap.Len())
	require.Contains(t, state.LastError, "Invalid credentials")
	require.False(t, state.LastAttemptAt.IsZero())
}

// ctxStore fails every call made on a done context, like a pgx-backed store.
type ctxStore struct {
	*syncstate.MemoryStore
	recordErr error
}

func (s *ctxStore) GetState(ctx context.Context, userID string) (syncstate.State, error) {
	if err := ctx.Err(); err != nil {
		return syncstate.State{}, err
	}
	return s.MemoryStore.GetState(ctx, userID)
}

func (s *ctxStore) RecordBulkSynced(ctx context.Context, userID string, batch map[domain.Kind][]syncstate.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.recordErr != nil {
		return s.recordErr
	}
	return s.MemoryStore.RecordBulkSynced(ctx, userID, batch)
}

func (s *ctxStore) SetLastError(ctx context.Context, userID, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.SetLastError(ctx, userID, message)
}

func (s *ctxStore) SetLastSyncedAt(ctx context.Context, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.SetLastSyncedAt(ctx, userID, at)
}

// cancellingWriter cancels the caller's context right after the remote side accepted a create.
type cancellingWriter struct {
	*stubWriter
	cancel context.CancelFunc
}

func (w *cancellingWriter) CreateEvent(ctx context.Context, token string, event domain.CalendarEvent) (string, error) {
	id, err := w.stubWriter.CreateEvent(ctx, token, event)
	w.cancel()
	return id, err
}

func TestCallerCancellationStillRecordsAcceptedCreates(t *testing.T) {
	store := &ctxStore{MemoryStore: syncstate.NewMemoryStore()}
	stub := newStubWriter()
	ctx, cancel := context.WithCancel(context.Background())
	writer := &cancellingWriter{stubWriter: stub, cancel: cancel}
	e := New(store, writer, WithLogger(quietLogger))

	snapshot := domain.Snapshot{
		UserID:   "user-1",
		Workouts: []domain.WorkoutSession{{ID: "w1", Date: "2025-10-12", Name: "Cardio Blast"}},
	}

	_, err := e.Sync(ctx, SyncInput{UserID: "user-1", AccessToken: "tok", Snapshot: snapshot, Location: time.UTC})
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	state, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, state.IdentityMap.Len())

	_, err = runSync(t, e, store, snapshot)
	require.NoError(t, err)
	require.Len(t, stub.creates, 1, "a recorded create is never repeated")
	require.Equal(t, map[string]string{"workout:w1": "evt-1"}, stub.updates)
}

func TestStoreFailureStillRecordsLastError(t *testing.T) {
	store := &ctxStore{MemoryStore: syncstate.NewMemoryStore(), recordErr: errors.New("connection reset")}
	writer := newStubWriter()
	writer.failFor["workout:w2"] = errors.New("backend unavailable")
	e := New(store, writer, WithLogger(quietLogger))

	_, err := runSync(t, e, store, threeRecordSnapshot())
	require.Error(t, err)
	require.ErrorContains(t, err, "record synced events: connection reset")

	var perr *PartialSyncError
	require.True(t, errors.As(err, &perr))
	require.Len(t, perr.Errors, 1)

	state, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Contains(t, state.LastError, "connection reset")
	require.Contains(t, state.LastError, "backend unavailable")
	require.True(t, state.LastSyncedAt.IsZero())
}

func TestStoreFailureWithoutItemErrorsIsReported(t *testing.T) {
	store := &ctxStore{MemoryStore: syncstate.NewMemoryStore(), recordErr: errors.New("connection reset")}
	e := New(store, newStubWriter(), WithLogger(quietLogger))

	_, err := runSync(t, e, store, threeRecordSnapshot())
	require.ErrorContains(t, err, "connection reset")

	var perr *PartialSyncError
	require.False(t, errors.As(err, &perr))

	state, err := store.GetState(context.Background(), "user-1")
	require.NoError(t, err)
	require.Contains(t, state.LastError, "record synced events")
}
