// Package scheduler decides when sync cycles run: immediately on connect or manual
// request, and debounced after domain changes. At most one cycle per user runs at
// a time; triggers arriving while one is in flight are dropped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/calendarsync/internal/credentials"
	"example.com/calendarsync/internal/domain"
	"example.com/calendarsync/internal/engine"
	"example.com/calendarsync/internal/observability"
	"example.com/calendarsync/internal/statusfeed"
	"example.com/calendarsync/internal/syncstate"
)

// DefaultDebounce is the quiet period after the last domain change before syncing.
const DefaultDebounce = 1500 * time.Millisecond

// Trigger names.
const (
	TriggerConnect    = "connect"
	TriggerManual     = "manual"
	TriggerChange     = "change"
	TriggerDisconnect = "disconnect"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context, in engine.SyncInput) (engine.Result, error)
}

// TokenProvider is the credential surface the scheduler drives.
type TokenProvider interface {
	RequestAccessToken(ctx context.Context, userID string, mode credentials.Mode, code string) (string, error)
	RevokeAccess(ctx context.Context, token string) error
	Forget(ctx context.Context, userID string) error
}

// Publisher receives a status event after each attempted cycle.
type Publisher interface {
	PublishStatus(ctx context.Context, status statusfeed.SyncStatus) error
}

// Option configures optional behaviour for the Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithDebounce overrides the change-notification quiet period.
func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// WithDefaultLocation sets the timezone used when the user has no preference.
func WithDefaultLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.defaultLoc = loc
		}
	}
}

// WithPublisher attaches a status publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) {
		s.publisher = p
	}
}

// Status is the read-only view exposed to the surrounding application.
type Status struct {
	IsSyncing     bool
	StatusMessage string
	SyncEnabled   bool
	LastSyncedAt  time.Time
	LastError     string
}

// Outcome reports whether a trigger ran a cycle.
type Outcome struct {
	Skipped bool
	Result  engine.Result
}

type session struct {
	timer *time.Timer
	// generation identifies the armed timer; callbacks of replaced or
	// cancelled timers see a newer value and do nothing.
	generation uint64
	inFlight   bool
	status     string
}

// Scheduler owns the per-user debounce timers and in-flight guards.
type Scheduler struct {
	engine     Syncer
	tokens     TokenProvider
	store      syncstate.Store
	snapshots  domain.SnapshotSource
	publisher  Publisher
	debounce   time.Duration
	defaultLoc *time.Location
	logger     *log.Logger

	background context.Context
	mu         sync.Mutex
	sessions   map[string]*session
	closed     bool
}

// New constructs a Scheduler. Timer-fired cycles run under ctx.
func New(ctx context.Context, syncer Syncer, tokens TokenProvider, store syncstate.Store, snapshots domain.SnapshotSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:     syncer,
		tokens:     tokens,
		store:      store,
		snapshots:  snapshots,
		debounce:   DefaultDebounce,
		defaultLoc: time.Local,
		logger:     log.New(log.Writer(), "[scheduler] ", log.LstdFlags|log.Lshortfile),
		background: ctx,
		sessions:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectAndSync obtains consent with the authorization code, enables mirroring
// and runs a cycle immediately with the consent token.
func (s *Scheduler) ConnectAndSync(ctx context.Context, userID, code string) (Outcome, error) {
	if strings.TrimSpace(userID) == "" {
		return Outcome{}, engine.ErrMissingUser
	}
	token, err := s.tokens.RequestAccessToken(ctx, userID, credentials.ModeConsent, code)
	if err != nil {
		s.setStatus(userID, "Calendar connection failed: "+err.Error())
		return Outcome{}, err
	}
	if err := s.store.SetEnabled(ctx, userID, true); err != nil {
		return Outcome{}, fmt.Errorf("enable sync: %w", err)
	}
	return s.run(ctx, userID, TriggerConnect, func(context.Context, string) (string, error) {
		return token, nil
	}, false)
}

// ManualSync runs a cycle now, regardless of the enabled flag.
func (s *Scheduler) ManualSync(ctx context.Context, userID string) (Outcome, error) {
	return s.run(ctx, userID, TriggerManual, s.silentToken, false)
}

// Disconnect revokes access on a best-effort basis and disables mirroring.
func (s *Scheduler) Disconnect(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return engine.ErrMissingUser
	}
	s.cancelTimer(userID)

	token, err := s.silentToken(ctx, userID)
	if err != nil {
		s.logger.Printf("warning: no token to revoke (user=%s): %v", userID, err)
	} else if err := s.tokens.RevokeAccess(ctx, token); err != nil {
		s.logger.Printf("warning: revoke failed (user=%s): %v", userID, err)
	}
	if err := s.tokens.Forget(ctx, userID); err != nil {
		s.logger.Printf("warning: forget grant failed (user=%s): %v", userID, err)
	}

	if err := s.store.SetEnabled(ctx, userID, false); err != nil {
		return fmt.Errorf("disable sync: %w", err)
	}
	if err := s.store.SetLastError(ctx, userID, ""); err != nil {
		return fmt.Errorf("clear last error: %w", err)
	}
	observability.RecordTrigger(TriggerDisconnect, "ran")
	s.setStatus(userID, "Calendar disconnected")
	return nil
}

// NotifyChange (re)arms the user's debounce timer if mirroring is enabled.
func (s *Scheduler) NotifyChange(ctx context.Context, userID string) {
	if strings.TrimSpace(userID) == "" {
		return
	}
	state, err := s.store.GetState(ctx, userID)
	if err != nil {
		s.logger.Printf("change ignored, state unavailable (user=%s): %v", userID, err)
		return
	}
	if !state.Enabled {
		observability.RecordTrigger(TriggerChange, "ignored")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	sess := s.sessionLocked(userID)
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.generation++
	generation := sess.generation
	sess.timer = time.AfterFunc(s.debounce, func() { s.fire(userID, generation) })
}

// Status returns the user's current sync status.
func (s *Scheduler) Status(ctx context.Context, userID string) (Status, error) {
	state, err := s.store.GetState(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := Status{
		SyncEnabled:  state.Enabled,
		LastSyncedAt: state.LastSyncedAt,
		LastError:    state.LastError,
	}
	if sess, ok := s.sessions[userID]; ok {
		out.IsSyncing = sess.inFlight
		out.StatusMessage = sess.status
	}
	return out, nil
}

// Close drops every pending debounce timer. Cycles already running finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, sess := range s.sessions {
		sess.stopTimer()
	}
}

func (s *Scheduler) fire(userID string, generation uint64) {
	s.mu.Lock()
	sess := s.sessionLocked(userID)
	if s.closed || sess.generation != generation {
		s.mu.Unlock()
		return
	}
	sess.timer = nil
	s.mu.Unlock()

	if _, err := s.run(s.background, userID, TriggerChange, s.silentToken, true); err != nil {
		s.logger.Printf("scheduled sync failed (user=%s): %v", userID, err)
	}
}

type tokenFunc func(ctx context.Context, userID string) (string, error)

func (s *Scheduler) silentToken(ctx context.Context, userID string) (string, error) {
	return s.tokens.RequestAccessToken(ctx, userID, credentials.ModeSilent, "")
}

func (s *Scheduler) run(ctx context.Context, userID, trigger string, token tokenFunc, requireAutoSync bool) (Outcome, error) {
	if strings.TrimSpace(userID) == "" {
		return Outcome{}, engine.ErrMissingUser
	}
	previous, ok := s.acquire(userID)
	if !ok {
		s.logger.Printf("%s trigger skipped, sync already in flight (user=%s)", trigger, userID)
		observability.RecordTrigger(trigger, "skipped")
		return Outcome{Skipped: true}, nil
	}
	defer s.release(userID)

	state, err := s.store.GetState(ctx, userID)
	if err != nil {
		s.setStatus(userID, err.Error())
		return Outcome{}, fmt.Errorf("load sync state: %w", err)
	}
	if requireAutoSync && !state.Enabled {
		observability.RecordTrigger(trigger, "ignored")
		s.setStatus(userID, previous)
		return Outcome{Skipped: true}, nil
	}

	snapshot, err := s.snapshots.Snapshot(ctx, userID)
	if err != nil {
		s.setStatus(userID, "Could not load activity: "+err.Error())
		return Outcome{}, fmt.Errorf("load snapshot: %w", err)
	}
	if requireAutoSync && !snapshot.Preferences.AutoSyncCalendar {
		observability.RecordTrigger(trigger, "ignored")
		s.setStatus(userID, previous)
		return Outcome{Skipped: true}, nil
	}
	snapshot.UserID = userID

	accessToken, err := token(ctx, userID)
	if err != nil {
		s.setStatus(userID, err.Error())
		s.publish(ctx, trigger, userID, engine.Result{}, err)
		return Outcome{}, err
	}

	observability.RecordTrigger(trigger, "ran")
	result, err := s.engine.Sync(ctx, engine.SyncInput{
		UserID:      userID,
		AccessToken: accessToken,
		Snapshot:    snapshot,
		Location:    s.location(snapshot.Preferences.Timezone),
		State:       state,
	})
	if err != nil {
		s.setStatus(userID, err.Error())
	} else {
		s.setStatus(userID, fmt.Sprintf("Synced %d items to your calendar", result.SyncedCount))
	}
	s.publish(ctx, trigger, userID, result, err)
	return Outcome{Result: result}, err
}

// acquire sets the in-flight guard and returns the status message it replaced.
func (s *Scheduler) acquire(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionLocked(userID)
	if sess.inFlight {
		return "", false
	}
	previous := sess.status
	sess.inFlight = true
	sess.status = "Syncing..."
	return previous, true
}

func (s *Scheduler) release(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionLocked(userID).inFlight = false
}

func (s *Scheduler) cancelTimer(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		sess.stopTimer()
	}
}

// stopTimer cancels the armed timer, including a callback already waiting on the lock.
func (sess *session) stopTimer() {
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.generation++
}

func (s *Scheduler) setStatus(userID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionLocked(userID).status = msg
}

func (s *Scheduler) sessionLocked(userID string) *session {
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &session{}
		s.sessions[userID] = sess
	}
	return sess
}

func (s *Scheduler) location(name string) *time.Location {
	if name == "" {
		return s.defaultLoc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.logger.Printf("unknown timezone %q, using %s", name, s.defaultLoc)
		return s.defaultLoc
	}
	return loc
}

func (s *Scheduler) publish(ctx context.Context, trigger, userID string, result engine.Result, syncErr error) {
	if s.publisher == nil {
		return
	}
	status := statusfeed.SyncStatus{
		EventID:     uuid.NewString(),
		UserID:      userID,
		CycleID:     result.CycleID,
		Trigger:     trigger,
		Outcome:     statusfeed.OutcomeSuccess,
		SyncedCount: result.SyncedCount,
		FailedCount: result.Failed,
		Kinds:       make([]string, 0, len(result.UpdatedKinds)),
		OccurredAt:  time.Now().UTC(),
	}
	for _, kind := range result.UpdatedKinds {
		status.Kinds = append(status.Kinds, string(kind))
	}
	if syncErr != nil {
		status.Error = syncErr.Error()
		status.Outcome = statusfeed.OutcomeFailed
		var perr *engine.PartialSyncError
		if errors.As(syncErr, &perr) && perr.Succeeded > 0 {
			status.Outcome = statusfeed.OutcomePartial
		}
	}
	if err := s.publisher.PublishStatus(ctx, status); err != nil {
		s.logger.Printf("status publish failed (user=%s): %v", userID, err)
	}
}
