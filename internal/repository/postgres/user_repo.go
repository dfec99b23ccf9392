package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/keyward/internal/errs"
	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/repository"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, email, password_hash, name, role, COALESCE(tenant_id, ''),
email_verified, COALESCE(email_verify_token, ''), email_verify_expires,
COALESCE(password_reset_token, ''), password_reset_expires,
login_count, failed_login_count, locked_until, last_login,
COALESCE(oauth_provider, ''), COALESCE(oauth_provider_id, ''), linked_providers,
phone, avatar_url, preferences, created_at, updated_at`

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, email, password_hash, name, role, tenant_id,
  email_verified, email_verify_token, email_verify_expires,
  password_reset_token, password_reset_expires,
  login_count, failed_login_count, locked_until, last_login,
  oauth_provider, oauth_provider_id, linked_providers,
  phone, avatar_url, preferences, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11,
  $12, $13, $14, $15, NULLIF($16, ''), NULLIF($17, ''), $18, $19, $20, $21, $22, $23)`
	prefs, err := encodePrefs(u.Preferences)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, q,
		u.ID, u.Email, u.PasswordHash, u.Name, string(u.Role), u.TenantID,
		u.EmailVerified, u.EmailVerifyToken, u.EmailVerifyExpires,
		u.PasswordResetToken, u.PasswordResetExpires,
		u.LoginCount, u.FailedLoginCount, u.LockedUntil, u.LastLogin,
		u.OAuthProvider, u.OAuthProviderID, providers(u.LinkedProviders),
		u.Phone, u.AvatarURL, prefs, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail selects a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetByVerifyToken selects a user by verification token hash.
func (r *UserRepo) GetByVerifyToken(ctx context.Context, tokenHash string) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email_verify_token = $1`, tokenHash)
}

// GetByResetToken selects a user by reset token hash.
func (r *UserRepo) GetByResetToken(ctx context.Context, tokenHash string) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE password_reset_token = $1`, tokenHash)
}

// RecordLoginFailure increments the counter in one statement; the row lock
// serializes concurrent failures. An expired lock restarts the count at 1.
func (r *UserRepo) RecordLoginFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (repository.LoginFailure, error) {
	const q = `
UPDATE users SET
  failed_login_count = CASE WHEN locked_until <= $4 THEN 1 ELSE failed_login_count + 1 END,
  locked_until = CASE
    WHEN locked_until > $4 THEN locked_until
    WHEN (CASE WHEN locked_until <= $4 THEN 1 ELSE failed_login_count + 1 END) >= $2 THEN $3::timestamptz
    ELSE NULL
  END,
  updated_at = $4
WHERE id = $1
RETURNING failed_login_count, locked_until`
	var out repository.LoginFailure
	err := r.db.Pool.QueryRow(ctx, q, id, maxAttempts, now.Add(lockFor), now).Scan(&out.Count, &out.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, errs.ErrNotFound
	}
	return out, err
}

// RecordLoginSuccess clears the failure state and bumps login stats while the
// password hash is unchanged.
func (r *UserRepo) RecordLoginSuccess(ctx context.Context, id, passwordHash string, now time.Time) error {
	return r.exec(ctx, `
UPDATE users SET failed_login_count = 0, locked_until = NULL,
  login_count = login_count + 1, last_login = $3, updated_at = $3
WHERE id = $1 AND password_hash = $2`, id, passwordHash, now)
}

// LinkOAuth records an OAuth login and returns the row as stored.
func (r *UserRepo) LinkOAuth(ctx context.Context, id, provider, providerID string, now time.Time) (*model.User, error) {
	q := `
UPDATE users SET oauth_provider = $2, oauth_provider_id = NULLIF($3, ''),
  linked_providers = CASE WHEN $2 = ANY(linked_providers) THEN linked_providers
                          ELSE array_append(linked_providers, $2) END,
  email_verified = TRUE, failed_login_count = 0, locked_until = NULL,
  login_count = login_count + 1, last_login = $4, updated_at = $4
WHERE id = $1
RETURNING ` + userColumns
	return r.scanUser(r.db.Pool.QueryRow(ctx, q, id, provider, providerID, now))
}

// SetPassword replaces the hash and drops a pending reset token.
func (r *UserRepo) SetPassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	return r.exec(ctx, `
UPDATE users SET password_hash = $2, password_reset_token = NULL, password_reset_expires = NULL, updated_at = $3
WHERE id = $1`, id, passwordHash, now)
}

// ResetPassword redeems a reset token; a token already used yields errs.ErrNotFound.
func (r *UserRepo) ResetPassword(ctx context.Context, resetTokenHash, passwordHash string, now time.Time) (string, error) {
	const q = `
UPDATE users SET password_hash = $2, password_reset_token = NULL, password_reset_expires = NULL, updated_at = $3
WHERE password_reset_token = $1
RETURNING id`
	var id string
	err := r.db.Pool.QueryRow(ctx, q, resetTokenHash, passwordHash, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	return id, err
}

// SetResetToken stores a reset token hash.
func (r *UserRepo) SetResetToken(ctx context.Context, id, tokenHash string, expires, now time.Time) error {
	return r.exec(ctx, `
UPDATE users SET password_reset_token = $2, password_reset_expires = $3, updated_at = $4
WHERE id = $1`, id, tokenHash, expires, now)
}

// SetVerifyToken stores a verification token hash.
func (r *UserRepo) SetVerifyToken(ctx context.Context, id, tokenHash string, expires, now time.Time) error {
	return r.exec(ctx, `
UPDATE users SET email_verify_token = $2, email_verify_expires = $3, updated_at = $4
WHERE id = $1`, id, tokenHash, expires, now)
}

// MarkEmailVerified flags the email verified.
func (r *UserRepo) MarkEmailVerified(ctx context.Context, id string, now time.Time) error {
	return r.exec(ctx, `
UPDATE users SET email_verified = TRUE, email_verify_token = NULL, email_verify_expires = NULL, updated_at = $2
WHERE id = $1`, id, now)
}

// AssignTenant sets tenant_id only while it is NULL.
func (r *UserRepo) AssignTenant(ctx context.Context, id, tenantID string, now time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE users SET tenant_id = $2, updated_at = $3
WHERE id = $1 AND tenant_id IS NULL`, id, tenantID, now)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateProfile writes the allow-listed profile columns.
func (r *UserRepo) UpdateProfile(ctx context.Context, u *model.User) error {
	prefs, err := encodePrefs(u.Preferences)
	if err != nil {
		return err
	}
	return r.exec(ctx, `
UPDATE users SET name = $2, phone = $3, avatar_url = $4, preferences = $5, updated_at = $6
WHERE id = $1`, u.ID, u.Name, u.Phone, u.AvatarURL, prefs, u.UpdatedAt)
}

// exec runs a single-row update; no matching row is errs.ErrNotFound.
func (r *UserRepo) exec(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *UserRepo) getOne(ctx context.Context, q string, arg any) (*model.User, error) {
	return r.scanUser(r.db.Pool.QueryRow(ctx, q, arg))
}

func (r *UserRepo) scanUser(row pgx.Row) (*model.User, error) {
	var (
		u     model.User
		role  string
		prefs []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &role, &u.TenantID,
		&u.EmailVerified, &u.EmailVerifyToken, &u.EmailVerifyExpires,
		&u.PasswordResetToken, &u.PasswordResetExpires,
		&u.LoginCount, &u.FailedLoginCount, &u.LockedUntil, &u.LastLogin,
		&u.OAuthProvider, &u.OAuthProviderID, &u.LinkedProviders,
		&u.Phone, &u.AvatarURL, &prefs, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.Role = model.Role(role)
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &u.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return &u, nil
}

func encodePrefs(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	return b, nil
}

func providers(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}
