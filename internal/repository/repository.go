// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/keyward/internal/model"
)

// UserRepository provides access to user accounts. Lookups return errs.ErrNotFound when nothing matches.
type UserRepository interface {
	// Create inserts a new user; a duplicate email yields errs.ErrAlreadyExists.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id string) (*model.User, error)
	// GetByEmail loads a user by normalized email.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// GetByVerifyToken loads a user by the hash of a pending email verification token.
	GetByVerifyToken(ctx context.Context, tokenHash string) (*model.User, error)
	// GetByResetToken loads a user by the hash of a pending password reset token.
	GetByResetToken(ctx context.Context, tokenHash string) (*model.User, error)

	// Writes below touch only the columns they name, so a stale read in one
	// flow can never undo a concurrent password change in another.

	// RecordLoginFailure atomically counts a failed password check. An expired
	// lock restarts the count; reaching maxAttempts sets locked_until = now+lockFor.
	RecordLoginFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (LoginFailure, error)
	// RecordLoginSuccess clears failures and the lock and bumps login stats, but only
	// while the stored hash is still passwordHash; otherwise errs.ErrNotFound.
	RecordLoginSuccess(ctx context.Context, id, passwordHash string, now time.Time) error
	// LinkOAuth records a third-party login: provider linkage (de-duplicated),
	// verified email, cleared lock, login stats. It returns the updated user.
	LinkOAuth(ctx context.Context, id, provider, providerID string, now time.Time) (*model.User, error)
	// SetPassword replaces the hash and drops any pending reset token.
	SetPassword(ctx context.Context, id, passwordHash string, now time.Time) error
	// ResetPassword replaces the hash of the user still holding resetTokenHash.
	// errs.ErrNotFound means the token was redeemed or replaced meanwhile.
	ResetPassword(ctx context.Context, resetTokenHash, passwordHash string, now time.Time) (string, error)
	// SetResetToken stores a pending password reset token hash.
	SetResetToken(ctx context.Context, id, tokenHash string, expires, now time.Time) error
	// SetVerifyToken stores a pending email verification token hash.
	SetVerifyToken(ctx context.Context, id, tokenHash string, expires, now time.Time) error
	// MarkEmailVerified sets email_verified and drops the verification token.
	MarkEmailVerified(ctx context.Context, id string, now time.Time) error
	// AssignTenant sets the tenant only when the user has none; false means one was already set.
	AssignTenant(ctx context.Context, id, tenantID string, now time.Time) (bool, error)
	// UpdateProfile writes name, phone, avatar URL and preferences.
	UpdateProfile(ctx context.Context, u *model.User) error
}

// LoginFailure is the counter state after RecordLoginFailure.
type LoginFailure struct {
	Count       int
	LockedUntil *time.Time
}

// Locked reports whether the account is locked at now.
func (f LoginFailure) Locked(now time.Time) bool {
	return f.LockedUntil != nil && f.LockedUntil.After(now)
}

// SessionRepository stores refresh-token sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *model.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	// Touch records a use of the session.
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	// DeleteByUser removes all sessions of a user and returns how many were removed.
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}
