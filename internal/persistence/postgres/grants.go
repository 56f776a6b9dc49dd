package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"example.com/calendarsync/internal/credentials"
)

// GrantStore keeps provider refresh tokens in calendar_grants.
type GrantStore struct {
	repo *Repository
}

var _ credentials.GrantStore = (*GrantStore)(nil)

// NewGrantStore constructs a GrantStore sharing the repository's pool.
func NewGrantStore(repo *Repository) *GrantStore {
	return &GrantStore{repo: repo}
}

func (s *GrantStore) Grant(ctx context.Context, userID string) (string, error) {
	var token string
	err := s.repo.withUserTx(ctx, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT refresh_token FROM calendar_grants WHERE user_id=$1`, userID)
		return row.Scan(&token)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", credentials.ErrGrantNotFound
	}
	return token, err
}

func (s *GrantStore) SaveGrant(ctx context.Context, userID, refreshToken string) error {
	const stmt = `INSERT INTO calendar_grants (user_id, refresh_token) VALUES ($1, $2)
        ON CONFLICT (user_id) DO UPDATE SET refresh_token = EXCLUDED.refresh_token, updated_at = NOW()`
	return s.repo.exec(ctx, userID, stmt, userID, refreshToken)
}

func (s *GrantStore) DeleteGrant(ctx context.Context, userID string) error {
	return s.repo.exec(ctx, userID, `DELETE FROM calendar_grants WHERE user_id=$1`, userID)
}
