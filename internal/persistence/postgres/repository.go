// Package postgres implements the mirror's storage on Postgres: sync state and
// identity map, provider grants, and the read-only domain snapshot.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/calendarsync/internal/domain"
	"example.com/calendarsync/internal/syncstate"
)

// Repository provides Postgres-backed persistence for calendar sync state.
type Repository struct {
	pool *pgxpool.Pool
}

var _ syncstate.Store = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// withUserTx runs fn in a transaction scoped to userID for row level security.
func (r *Repository) withUserTx(ctx context.Context, userID string, fn func(pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetState loads the user's state and identity map. Users without a row get
// the default disabled state.
func (r *Repository) GetState(ctx context.Context, userID string) (syncstate.State, error) {
	state := syncstate.State{UserID: userID, IdentityMap: syncstate.IdentityMap{}}

	err := r.withUserTx(ctx, userID, func(tx pgx.Tx) error {
		const stateQuery = `SELECT enabled, last_synced_at, last_attempt_at, last_error
        FROM calendar_sync_state WHERE user_id=$1`

		var (
			lastSynced  *time.Time
			lastAttempt *time.Time
			lastError   *string
		)
		row := tx.QueryRow(ctx, stateQuery, userID)
		if err := row.Scan(&state.Enabled, &lastSynced, &lastAttempt, &lastError); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if lastSynced != nil {
			state.LastSyncedAt = lastSynced.UTC()
		}
		if lastAttempt != nil {
			state.LastAttemptAt = lastAttempt.UTC()
		}
		if lastError != nil {
			state.LastError = *lastError
		}

		const identityQuery = `SELECT kind, local_key, remote_event_id
        FROM calendar_sync_identity WHERE user_id=$1`

		rows, err := tx.Query(ctx, identityQuery, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		batch := make(map[domain.Kind][]syncstate.Mapping)
		for rows.Next() {
			var (
				kind    string
				mapping syncstate.Mapping
			)
			if err := rows.Scan(&kind, &mapping.LocalKey, &mapping.RemoteEventID); err != nil {
				return err
			}
			batch[domain.Kind(kind)] = append(batch[domain.Kind(kind)], mapping)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		state.IdentityMap.Merge(batch)
		return nil
	})
	if err != nil {
		return syncstate.State{}, err
	}
	return state, nil
}

// SetEnabled flips the sync switch.
func (r *Repository) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	const stmt = `INSERT INTO calendar_sync_state (user_id, enabled) VALUES ($1, $2)
        ON CONFLICT (user_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`
	return r.exec(ctx, userID, stmt, userID, enabled)
}

// SetLastError stores message, or clears it when message is empty.
func (r *Repository) SetLastError(ctx context.Context, userID string, message string) error {
	const stmt = `INSERT INTO calendar_sync_state (user_id, last_error) VALUES ($1, $2)
        ON CONFLICT (user_id) DO UPDATE SET last_error = EXCLUDED.last_error, updated_at = NOW()`
	return r.exec(ctx, userID, stmt, userID, nullIfEmpty(message))
}

// SetLastSyncedAt records a completed cycle.
func (r *Repository) SetLastSyncedAt(ctx context.Context, userID string, at time.Time) error {
	const stmt = `INSERT INTO calendar_sync_state (user_id, last_synced_at) VALUES ($1, $2)
        ON CONFLICT (user_id) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at, updated_at = NOW()`
	return r.exec(ctx, userID, stmt, userID, at.UTC())
}

// SetLastAttemptAt records the start of a cycle.
func (r *Repository) SetLastAttemptAt(ctx context.Context, userID string, at time.Time) error {
	const stmt = `INSERT INTO calendar_sync_state (user_id, last_attempt_at) VALUES ($1, $2)
        ON CONFLICT (user_id) DO UPDATE SET last_attempt_at = EXCLUDED.last_attempt_at, updated_at = NOW()`
	return r.exec(ctx, userID, stmt, userID, at.UTC())
}

// RecordBulkSynced upserts every mapping in one transaction. Pairs absent from
// the batch are left untouched.
func (r *Repository) RecordBulkSynced(ctx context.Context, userID string, batch map[domain.Kind][]syncstate.Mapping) error {
	const ensureState = `INSERT INTO calendar_sync_state (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	const upsertIdentity = `INSERT INTO calendar_sync_identity (user_id, kind, local_key, remote_event_id)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id, kind, local_key) DO UPDATE SET remote_event_id = EXCLUDED.remote_event_id, synced_at = NOW()`

	return r.withUserTx(ctx, userID, func(tx pgx.Tx) error {
		queued := &pgx.Batch{}
		queued.Queue(ensureState, userID)
		for kind, mappings := range batch {
			for _, mapping := range mappings {
				if mapping.LocalKey == "" || mapping.RemoteEventID == "" {
					continue
				}
				queued.Queue(upsertIdentity, userID, string(kind), mapping.LocalKey, mapping.RemoteEventID)
			}
		}

		results := tx.SendBatch(ctx, queued)
		for i := 0; i < queued.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
}

func (r *Repository) exec(ctx context.Context, userID, stmt string, args ...any) error {
	return r.withUserTx(ctx, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt, args...)
		return err
	})
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
