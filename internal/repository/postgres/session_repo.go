package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/keyward/internal/errs"
	"github.com/and161185/keyward/internal/model"
	"github.com/jackc/pgx/v5"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

// Create inserts a session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `
INSERT INTO sessions (id, user_id, refresh_token_hash, expires_at, created_at, last_used_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.UserID, s.RefreshTokenHash, s.ExpiresAt, s.CreatedAt, s.LastUsedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByTokenHash selects a session by refresh token hash.
func (r *SessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	const q = `
SELECT id, user_id, refresh_token_hash, expires_at, created_at, last_used_at
FROM sessions WHERE refresh_token_hash = $1`
	var s model.Session
	err := r.db.Pool.QueryRow(ctx, q, tokenHash).
		Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.ExpiresAt, &s.CreatedAt, &s.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Touch updates last_used_at.
func (r *SessionRepo) Touch(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE sessions SET last_used_at = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, q, id, at)
	return err
}

// Delete removes one session. Deleting a missing session is not an error.
func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM sessions WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// DeleteByUser removes every session of a user.
func (r *SessionRepo) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	const q = `DELETE FROM sessions WHERE user_id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
