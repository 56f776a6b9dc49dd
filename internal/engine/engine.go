// Package engine upserts projected domain records into the remote calendar and
// records which remote event mirrors which record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"example.com/calendarsync/internal/domain"
	"example.com/calendarsync/internal/observability"
	"example.com/calendarsync/internal/projector"
	"example.com/calendarsync/internal/syncstate"
)

// EventWriter is the remote calendar surface the engine drives.
type EventWriter interface {
	CreateEvent(ctx context.Context, accessToken string, event domain.CalendarEvent) (string, error)
	UpdateEvent(ctx context.Context, accessToken, remoteID string, event domain.CalendarEvent) error
}

// Option configures optional behaviour for the Engine.
type Option func(*Engine)

// WithLogger overrides the logger used to report item failures.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConcurrency bounds how many remote calls a cycle keeps in flight.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithCycleTimeout bounds how long a started cycle may run.
func WithCycleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cycleTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// DefaultCycleTimeout bounds a cycle once it has started.
const DefaultCycleTimeout = 2 * time.Minute

// Engine runs sync cycles.
type Engine struct {
	store        syncstate.Store
	writer       EventWriter
	concurrency  int
	cycleTimeout time.Duration
	logger       *log.Logger
	now          func() time.Time
}

// New constructs an Engine.
func New(store syncstate.Store, writer EventWriter, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		writer:       writer,
		concurrency:  4,
		cycleTimeout: DefaultCycleTimeout,
		logger:       log.New(log.Writer(), "[engine] ", log.LstdFlags|log.Lshortfile),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncInput is everything one cycle needs.
type SyncInput struct {
	UserID      string
	AccessToken string
	Snapshot    domain.Snapshot
	Location    *time.Location
	State       syncstate.State
}

// Result summarises a cycle.
type Result struct {
	CycleID      string
	SyncedCount  int
	Created      int
	Updated      int
	Failed       int
	UpdatedKinds []domain.Kind
}

// Sync mirrors the snapshot into the remote calendar. Precondition failures return
// before any remote call. Otherwise every item is attempted, successes are merged
// into the identity map, and a *PartialSyncError is returned if any item failed.
//
// Once started, a cycle ignores cancellation of ctx: a create the remote side has
// accepted must reach the identity map, or the next cycle would create it again.
// Only the cycle timeout stops it.
func (e *Engine) Sync(ctx context.Context, in SyncInput) (Result, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Result{}, ErrMissingUser
	}
	if strings.TrimSpace(in.AccessToken) == "" {
		return Result{}, ErrMissingToken
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cycleTimeout)
	defer cancel()

	start := time.Now()
	result := Result{CycleID: uuid.NewString()}

	if err := e.store.SetLastAttemptAt(ctx, in.UserID, e.now()); err != nil {
		e.logger.Printf("record attempt failed (user=%s): %v", in.UserID, err)
	}

	identities := in.State.IdentityMap
	if identities == nil {
		identities = syncstate.IdentityMap{}
	}

	var (
		mu      sync.Mutex
		pending = make(map[domain.Kind][]syncstate.Mapping)
		errs    []error
		g       errgroup.Group
	)
	g.SetLimit(e.concurrency)

	for _, item := range dedupe(projector.Items(in.Snapshot, in.Location)) {
		g.Go(func() error {
			op, remoteID, err := e.upsert(ctx, in.AccessToken, identities, item)
			observability.RecordSyncItem(string(item.Kind), string(op), err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Printf("item failed (user=%s, kind=%s, key=%s, op=%s): %v", in.UserID, item.Kind, item.LocalKey, op, err)
				errs = append(errs, &ItemError{Kind: item.Kind, LocalKey: item.LocalKey, Operation: op, Err: err})
				return nil
			}
			pending[item.Kind] = append(pending[item.Kind], syncstate.Mapping{LocalKey: item.LocalKey, RemoteEventID: remoteID})
			if op == OperationCreate {
				result.Created++
			} else {
				result.Updated++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.SyncedCount = result.Created + result.Updated
	result.Failed = len(errs)
	result.UpdatedKinds = kindsOf(pending)

	var recordErr error
	if len(pending) > 0 {
		if err := e.store.RecordBulkSynced(ctx, in.UserID, pending); err != nil {
			recordErr = fmt.Errorf("record synced events: %w", err)
		}
	}

	if recordErr != nil || len(errs) > 0 {
		outcome := "partial"
		var cycleErr error
		if len(errs) > 0 {
			cycleErr = &PartialSyncError{Succeeded: result.SyncedCount, Errors: errs}
		}
		if recordErr != nil {
			outcome = "error"
			cycleErr = errors.Join(recordErr, cycleErr)
		}
		if err := e.store.SetLastError(ctx, in.UserID, cycleErr.Error()); err != nil {
			e.logger.Printf("record error failed (user=%s): %v", in.UserID, err)
		}
		observability.RecordSyncCycle(outcome, time.Since(start))
		return result, cycleErr
	}

	syncedAt := e.now()
	if err := e.store.SetLastSyncedAt(ctx, in.UserID, syncedAt); err != nil {
		return result, fmt.Errorf("record sync time: %w", err)
	}
	if err := e.store.SetLastError(ctx, in.UserID, ""); err != nil {
		return result, fmt.Errorf("clear last error: %w", err)
	}
	observability.RecordSyncCycle("success", time.Since(start))
	observability.RecordLastSynced(syncedAt)
	return result, nil
}

func (e *Engine) upsert(ctx context.Context, token string, identities syncstate.IdentityMap, item projector.Item) (Operation, string, error) {
	if remoteID, ok := identities.Lookup(item.Kind, item.LocalKey); ok {
		return OperationUpdate, remoteID, e.writer.UpdateEvent(ctx, token, remoteID, item.Event)
	}
	remoteID, err := e.writer.CreateEvent(ctx, token, item.Event)
	return OperationCreate, remoteID, err
}

// dedupe keeps the last item per (kind, local key) so one key never spawns two creates.
func dedupe(items []projector.Item) []projector.Item {
	type id struct {
		kind domain.Kind
		key  string
	}
	index := make(map[id]int, len(items))
	out := make([]projector.Item, 0, len(items))
	for _, item := range items {
		k := id{item.Kind, item.LocalKey}
		if i, ok := index[k]; ok {
			out[i] = item
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

func kindsOf(pending map[domain.Kind][]syncstate.Mapping) []domain.Kind {
	kinds := make([]domain.Kind, 0, len(pending))
	for kind := range pending {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
