// Package service contains the Auth Service: accounts, password and SSO
// logins, refresh-token sessions and permission snapshots.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	pkgcrypto "github.com/and161185/keyward/internal/crypto"
	"github.com/and161185/keyward/internal/errs"
	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/notify"
	"github.com/and161185/keyward/internal/obs"
	"github.com/and161185/keyward/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const (
	tokenBytes        = 32
	refreshTokenBytes = 64
	tokenTypeBearer   = "Bearer"

	msgResetSent    = "If an account exists, a reset email will be sent"
	msgVerifySent   = "If an account exists, a verification email will be sent"
	msgResetDone    = "Password reset successfully"
	msgPasswordDone = "Password changed successfully"
	msgEmailDone    = "Email verified successfully"
)

// AuthService defines account and session operations.
type AuthService interface {
	Register(ctx context.Context, in RegisterInput) (model.PublicUser, error)
	Login(ctx context.Context, in LoginInput) (model.Tokens, error)
	LoginWithOAuth(ctx context.Context, in OAuthLoginInput) (model.Tokens, error)
	RefreshTokens(ctx context.Context, refreshToken string) (model.AccessToken, error)
	Logout(ctx context.Context, refreshToken string) error
	RequestPasswordReset(ctx context.Context, email string) (Ack, error)
	ResetPassword(ctx context.Context, token, newPassword string) (Ack, error)
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) (Ack, error)
	VerifyEmail(ctx context.Context, token string) (Ack, error)
	ResendVerificationEmail(ctx context.Context, email string) (Ack, error)
	VerifyAccessToken(ctx context.Context, token string) (model.Identity, error)
	GetCurrentUser(ctx context.Context, userID string) (model.PublicUser, error)
	UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (model.PublicUser, error)
	AssignTenant(ctx context.Context, userID, tenantID string) error
}

// RegisterInput is the self-service sign-up request.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	TenantID string
	// Role is ignored: new accounts always get model.RoleUser.
	Role model.Role
}

// LoginInput is a password login request.
type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
}

// OAuthLoginInput is a normalized third-party identity.
type OAuthLoginInput struct {
	Email      string
	Name       string
	Provider   string
	ProviderID string
}

// ProfileUpdate lists the user-editable fields; nil means unchanged.
type ProfileUpdate struct {
	Name        *string
	Phone       *string
	AvatarURL   *string
	Preferences map[string]any
}

// Ack is the generic outcome of account flows that must not leak account existence.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// AuthConfig holds token lifetimes and lockout policy.
type AuthConfig struct {
	SignKey          []byte
	AccessTTL        time.Duration
	SessionTTL       time.Duration
	RememberTTL      time.Duration
	OAuthSessionTTL  time.Duration
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	ResetTokenTTL    time.Duration
	VerifyTokenTTL   time.Duration
}

// DefaultAuthConfig returns the production policy for signKey.
func DefaultAuthConfig(signKey []byte) AuthConfig {
	return AuthConfig{
		SignKey:          signKey,
		AccessTTL:        24 * time.Hour,
		SessionTTL:       24 * time.Hour,
		RememberTTL:      30 * 24 * time.Hour,
		OAuthSessionTTL:  30 * 24 * time.Hour,
		MaxLoginAttempts: 5,
		LockoutDuration:  15 * time.Minute,
		ResetTokenTTL:    6 * time.Hour,
		VerifyTokenTTL:   24 * time.Hour,
	}
}

// Option configures AuthServiceImpl.
type Option func(*AuthServiceImpl)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *AuthServiceImpl) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *AuthServiceImpl) { s.now = now } }

// WithMailer sets the dispatcher for verification and reset emails.
func WithMailer(d *notify.Dispatcher) Option { return func(s *AuthServiceImpl) { s.mail = d } }

type AuthServiceImpl struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	cfg      AuthConfig
	log      *zap.Logger
	now      func() time.Time
	mail     *notify.Dispatcher
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, sessions repository.SessionRepository, cfg AuthConfig, opts ...Option) *AuthServiceImpl {
	s := &AuthServiceImpl{users: users, sessions: sessions, cfg: cfg, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// burnPasswordCheck spends the same work as a real verification so missing
// accounts are not distinguishable by latency.
func burnPasswordCheck(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = pkgcrypto.HashPassword("keyward-timing-equalizer")
	})
	pkgcrypto.VerifyPassword(dummyHash, password)
}

func newID(prefix string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(id.Bytes()), nil
}

func defaultPreferences() map[string]any {
	return map[string]any{"theme": "system", "lang": "fr", "notifications": true}
}

func timePtr(t time.Time) *time.Time { return &t }

// Register creates an unverified account with the least-privileged role.
func (s *AuthServiceImpl) Register(ctx context.Context, in RegisterInput) (model.PublicUser, error) {
	email := NormalizeEmail(in.Email)
	if !ValidateEmail(email) {
		return model.PublicUser{}, ErrInvalidEmail
	}
	if problems := ValidatePassword(in.Password); len(problems) > 0 {
		return model.PublicUser{}, weakPassword(problems)
	}
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return model.PublicUser{}, ErrEmailExists
	} else if !errors.Is(err, errs.ErrNotFound) {
		return model.PublicUser{}, err
	}

	hash, err := pkgcrypto.HashPassword(in.Password)
	if err != nil {
		return model.PublicUser{}, err
	}
	verifyToken, err := pkgcrypto.RandomToken(tokenBytes)
	if err != nil {
		return model.PublicUser{}, err
	}
	id, err := newID("user_")
	if err != nil {
		return model.PublicUser{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	now := s.now()
	u := &model.User{
		ID:                 id,
		Email:              email,
		PasswordHash:       hash,
		Name:               name,
		Role:               model.RoleUser,
		TenantID:           in.TenantID,
		EmailVerifyToken:   pkgcrypto.HashToken(verifyToken),
		EmailVerifyExpires: timePtr(now.Add(s.cfg.VerifyTokenTTL)),
		LinkedProviders:    []string{},
		Preferences:        defaultPreferences(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return model.PublicUser{}, ErrEmailExists
		}
		return model.PublicUser{}, err
	}
	s.mail.Send(notify.Message{Kind: notify.KindVerifyEmail, To: u.Email, Name: u.Name, Token: verifyToken})
	s.log.Info("user registered", zap.String("user_id", u.ID))

	return u.Public(), nil
}

// Login authenticates with email and password.
func (s *AuthServiceImpl) Login(ctx context.Context, in LoginInput) (model.Tokens, error) {
	tokens, err := s.login(ctx, in)
	result := "ok"
	var ae *AuthError
	if errors.As(err, &ae) {
		result = string(ae.Code)
	} else if err != nil {
		result = "error"
	}
	obs.AuthLogins.WithLabelValues("password", result).Inc()
	return tokens, err
}

func (s *AuthServiceImpl) login(ctx context.Context, in LoginInput) (model.Tokens, error) {
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(in.Email))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			burnPasswordCheck(in.Password)
			return model.Tokens{}, ErrInvalidCredentials
		}
		return model.Tokens{}, err
	}

	now := s.now()
	// A served lock is cleared by the repository on the next failure or success.
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		mins := int(math.Ceil(u.LockedUntil.Sub(now).Minutes()))
		return model.Tokens{}, &AuthError{
			Code:    CodeAccountLocked,
			Status:  ErrAccountLocked.Status,
			Message: fmt.Sprintf("Account locked. Try again in %d minutes", mins),
		}
	}

	if !pkgcrypto.VerifyPassword(u.PasswordHash, in.Password) {
		f, err := s.users.RecordLoginFailure(ctx, u.ID, s.cfg.MaxLoginAttempts, s.cfg.LockoutDuration, now)
		if err != nil {
			return model.Tokens{}, err
		}
		if f.Locked(now) {
			if f.Count == s.cfg.MaxLoginAttempts {
				s.log.Warn("account locked", zap.String("user_id", u.ID))
			}
			return model.Tokens{}, &AuthError{
				Code:    CodeAccountLocked,
				Status:  ErrAccountLocked.Status,
				Message: fmt.Sprintf("Too many failed attempts. Account locked for %d minutes", int(math.Ceil(f.LockedUntil.Sub(now).Minutes()))),
			}
		}
		return model.Tokens{}, ErrInvalidCredentials
	}

	if !u.EmailVerified {
		return model.Tokens{}, ErrEmailNotVerified
	}

	ttl := s.cfg.SessionTTL
	if in.RememberMe {
		ttl = s.cfg.RememberTTL
	}
	tokens, err := s.startSession(ctx, u, ttl)
	if err != nil {
		return model.Tokens{}, err
	}

	// The session exists before this check, so a password change that lands
	// after the check revokes it and one that lands before fails the check.
	if err := s.users.RecordLoginSuccess(ctx, u.ID, u.PasswordHash, now); err != nil {
		s.dropSession(ctx, tokens.RefreshToken)
		if errors.Is(err, errs.ErrNotFound) {
			return model.Tokens{}, ErrInvalidCredentials
		}
		return model.Tokens{}, err
	}
	tokens.User = u.Public()
	return tokens, nil
}

// LoginWithOAuth finds or creates the account for a verified third-party identity.
// OAuth sessions always last OAuthSessionTTL.
func (s *AuthServiceImpl) LoginWithOAuth(ctx context.Context, in OAuthLoginInput) (model.Tokens, error) {
	email := NormalizeEmail(in.Email)
	if !ValidateEmail(email) {
		obs.AuthLogins.WithLabelValues("oauth", string(CodeInvalidEmail)).Inc()
		return model.Tokens{}, &AuthError{Code: CodeInvalidEmail, Status: ErrInvalidEmail.Status, Message: "Invalid email from OAuth provider"}
	}
	now := s.now()

	u, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		u, err = s.users.LinkOAuth(ctx, u.ID, in.Provider, in.ProviderID, now)
		if err != nil {
			return model.Tokens{}, err
		}
	case errors.Is(err, errs.ErrNotFound):
		u, err = s.createOAuthUser(ctx, email, in, now)
		if err != nil {
			return model.Tokens{}, err
		}
	default:
		return model.Tokens{}, err
	}

	tokens, err := s.startSession(ctx, u, s.cfg.OAuthSessionTTL)
	if err != nil {
		return model.Tokens{}, err
	}
	tokens.User = u.Public()
	obs.AuthLogins.WithLabelValues("oauth", "ok").Inc()
	s.log.Info("oauth login", zap.String("user_id", u.ID), zap.String("provider", in.Provider))
	return tokens, nil
}

func (s *AuthServiceImpl) createOAuthUser(ctx context.Context, email string, in OAuthLoginInput, now time.Time) (*model.User, error) {
	// Nobody ever learns this password, so password login stays impossible.
	random, err := pkgcrypto.RandomToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}
	hash, err := pkgcrypto.HashPassword(random)
	if err != nil {
		return nil, err
	}
	id, err := newID("user_")
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	u := &model.User{
		ID:              id,
		Email:           email,
		PasswordHash:    hash,
		Name:            name,
		Role:            model.RoleUser,
		EmailVerified:   true,
		LoginCount:      1,
		LastLogin:       timePtr(now),
		OAuthProvider:   in.Provider,
		OAuthProviderID: in.ProviderID,
		LinkedProviders: []string{in.Provider},
		Preferences:     defaultPreferences(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// Lost a race with a concurrent first login for the same email.
			return s.users.GetByEmail(ctx, email)
		}
		return nil, err
	}
	return u, nil
}

// startSession mints an access token and stores a new hashed refresh token.
func (s *AuthServiceImpl) startSession(ctx context.Context, u *model.User, ttl time.Duration) (model.Tokens, error) {
	access, err := s.issueAccessToken(u)
	if err != nil {
		return model.Tokens{}, err
	}
	refresh, err := pkgcrypto.RandomToken(refreshTokenBytes)
	if err != nil {
		return model.Tokens{}, err
	}
	id, err := newID("session_")
	if err != nil {
		return model.Tokens{}, err
	}
	now := s.now()
	sess := &model.Session{
		ID:               id,
		UserID:           u.ID,
		RefreshTokenHash: pkgcrypto.HashToken(refresh),
		ExpiresAt:        now.Add(ttl),
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    s.expiresIn(),
	}, nil
}

func (s *AuthServiceImpl) dropSession(ctx context.Context, refreshToken string) {
	sess, err := s.sessions.GetByTokenHash(ctx, pkgcrypto.HashToken(refreshToken))
	if err == nil {
		err = s.sessions.Delete(ctx, sess.ID)
	}
	if err != nil {
		s.log.Error("drop session", zap.Error(err))
	}
}

// RefreshTokens issues a new access token for a live session. The refresh token is not rotated.
func (s *AuthServiceImpl) RefreshTokens(ctx context.Context, refreshToken string) (model.AccessToken, error) {
	if refreshToken == "" {
		return model.AccessToken{}, ErrMissingToken
	}
	sess, err := s.sessions.GetByTokenHash(ctx, pkgcrypto.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.AccessToken{}, &AuthError{Code: CodeInvalidToken, Status: ErrInvalidToken.Status, Message: "Invalid refresh token"}
		}
		return model.AccessToken{}, err
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil {
			s.log.Warn("expired session cleanup failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return model.AccessToken{}, &AuthError{Code: CodeTokenExpired, Status: ErrTokenExpired.Status, Message: "Refresh token expired"}
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			_ = s.sessions.Delete(ctx, sess.ID)
			return model.AccessToken{}, ErrUserNotFound
		}
		return model.AccessToken{}, err
	}
	access, err := s.issueAccessToken(u)
	if err != nil {
		return model.AccessToken{}, err
	}
	if err := s.sessions.Touch(ctx, sess.ID, now); err != nil {
		s.log.Warn("session touch failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return model.AccessToken{AccessToken: access, TokenType: tokenTypeBearer, ExpiresIn: s.expiresIn()}, nil
}

// Logout deletes the session of refreshToken. Unknown or empty tokens are a no-op.
func (s *AuthServiceImpl) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	sess, err := s.sessions.GetByTokenHash(ctx, pkgcrypto.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.sessions.Delete(ctx, sess.ID)
}

// RequestPasswordReset answers identically whether or not the account exists.
func (s *AuthServiceImpl) RequestPasswordReset(ctx context.Context, email string) (Ack, error) {
	ack := Ack{Success: true, Message: msgResetSent}
	// Token work happens on both paths to keep timing flat.
	token, err := pkgcrypto.RandomToken(tokenBytes)
	if err != nil {
		return Ack{}, err
	}
	hash := pkgcrypto.HashToken(token)

	u, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return ack, nil
		}
		return Ack{}, err
	}
	now := s.now()
	if err := s.users.SetResetToken(ctx, u.ID, hash, now.Add(s.cfg.ResetTokenTTL), now); err != nil {
		return Ack{}, err
	}
	s.mail.Send(notify.Message{Kind: notify.KindPasswordReset, To: u.Email, Name: u.Name, Token: token})
	return ack, nil
}

// ResetPassword redeems a reset token and revokes every session of the user.
func (s *AuthServiceImpl) ResetPassword(ctx context.Context, token, newPassword string) (Ack, error) {
	if problems := ValidatePassword(newPassword); len(problems) > 0 {
		return Ack{}, weakPassword(problems)
	}
	invalid := &AuthError{Code: CodeInvalidToken, Status: 400, Message: "Invalid or expired reset token"}
	if token == "" {
		return Ack{}, invalid
	}
	u, err := s.users.GetByResetToken(ctx, pkgcrypto.HashToken(token))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Ack{}, invalid
		}
		return Ack{}, err
	}
	now := s.now()
	if u.PasswordResetExpires == nil || !now.Before(*u.PasswordResetExpires) {
		return Ack{}, &AuthError{Code: CodeTokenExpired, Status: 400, Message: "Reset token has expired"}
	}
	hash, err := pkgcrypto.HashPassword(newPassword)
	if err != nil {
		return Ack{}, err
	}
	// The token is re-checked in the write so two redemptions cannot both win.
	if _, err := s.users.ResetPassword(ctx, u.PasswordResetToken, hash, now); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Ack{}, invalid
		}
		return Ack{}, err
	}
	if _, err := s.sessions.DeleteByUser(ctx, u.ID); err != nil {
		return Ack{}, err
	}
	s.log.Info("password reset", zap.String("user_id", u.ID))
	return Ack{Success: true, Message: msgResetDone}, nil
}

// ChangePassword verifies the current password, then revokes every session of the user.
func (s *AuthServiceImpl) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) (Ack, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Ack{}, &AuthError{Code: CodeUserNotFound, Status: 404, Message: ErrUserNotFound.Message}
		}
		return Ack{}, err
	}
	if !pkgcrypto.VerifyPassword(u.PasswordHash, oldPassword) {
		return Ack{}, ErrInvalidPassword
	}
	if problems := ValidatePassword(newPassword); len(problems) > 0 {
		return Ack{}, weakPassword(problems)
	}
	hash, err := pkgcrypto.HashPassword(newPassword)
	if err != nil {
		return Ack{}, err
	}
	if err := s.users.SetPassword(ctx, u.ID, hash, s.now()); err != nil {
		return Ack{}, err
	}
	if _, err := s.sessions.DeleteByUser(ctx, u.ID); err != nil {
		return Ack{}, err
	}
	return Ack{Success: true, Message: msgPasswordDone}, nil
}

// VerifyEmail redeems an email verification token.
func (s *AuthServiceImpl) VerifyEmail(ctx context.Context, token string) (Ack, error) {
	invalid := &AuthError{Code: CodeInvalidToken, Status: 400, Message: "Invalid verification token"}
	if token == "" {
		return Ack{}, invalid
	}
	u, err := s.users.GetByVerifyToken(ctx, pkgcrypto.HashToken(token))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Ack{}, invalid
		}
		return Ack{}, err
	}
	now := s.now()
	if u.EmailVerifyExpires != nil && !now.Before(*u.EmailVerifyExpires) {
		return Ack{}, &AuthError{Code: CodeTokenExpired, Status: 400, Message: "Verification token has expired"}
	}
	if err := s.users.MarkEmailVerified(ctx, u.ID, now); err != nil {
		return Ack{}, err
	}
	return Ack{Success: true, Message: msgEmailDone}, nil
}

// ResendVerificationEmail issues a fresh verification token. The answer never
// reveals whether the account exists or is already verified.
func (s *AuthServiceImpl) ResendVerificationEmail(ctx context.Context, email string) (Ack, error) {
	ack := Ack{Success: true, Message: msgVerifySent}
	token, err := pkgcrypto.RandomToken(tokenBytes)
	if err != nil {
		return Ack{}, err
	}
	hash := pkgcrypto.HashToken(token)

	u, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return ack, nil
		}
		return Ack{}, err
	}
	if u.EmailVerified {
		return ack, nil
	}
	now := s.now()
	if err := s.users.SetVerifyToken(ctx, u.ID, hash, now.Add(s.cfg.VerifyTokenTTL), now); err != nil {
		return Ack{}, err
	}
	s.mail.Send(notify.Message{Kind: notify.KindVerifyEmail, To: u.Email, Name: u.Name, Token: token})
	return ack, nil
}

// VerifyAccessToken checks the token and re-reads the user so role and tenant changes apply at once.
func (s *AuthServiceImpl) VerifyAccessToken(ctx context.Context, token string) (model.Identity, error) {
	c, err := s.parseAccessToken(token)
	if err != nil {
		return model.Identity{}, err
	}
	u, err := s.users.GetByID(ctx, c.Subject)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Identity{}, ErrUserNotFound
		}
		return model.Identity{}, err
	}
	return model.Identity{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		TenantID:    u.TenantID,
		Permissions: Permissions(u.Role),
	}, nil
}

// GetCurrentUser returns the profile view of a user.
func (s *AuthServiceImpl) GetCurrentUser(ctx context.Context, userID string) (model.PublicUser, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.PublicUser{}, &AuthError{Code: CodeUserNotFound, Status: 404, Message: ErrUserNotFound.Message}
		}
		return model.PublicUser{}, err
	}
	pub := u.Public()
	pub.CreatedAt = timePtr(u.CreatedAt)
	pub.LastLogin = u.LastLogin
	return pub, nil
}

// UpdateProfile applies the allow-listed fields.
func (s *AuthServiceImpl) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (model.PublicUser, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.PublicUser{}, &AuthError{Code: CodeUserNotFound, Status: 404, Message: ErrUserNotFound.Message}
		}
		return model.PublicUser{}, err
	}
	if upd.Name != nil {
		u.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.AvatarURL != nil {
		u.AvatarURL = *upd.AvatarURL
	}
	if upd.Preferences != nil {
		u.Preferences = upd.Preferences
	}
	u.UpdatedAt = s.now()
	if err := s.users.UpdateProfile(ctx, u); err != nil {
		return model.PublicUser{}, err
	}
	return s.GetCurrentUser(ctx, userID)
}

// AssignTenant binds a tenant to a user that has none yet.
func (s *AuthServiceImpl) AssignTenant(ctx context.Context, userID, tenantID string) error {
	assigned, err := s.users.AssignTenant(ctx, userID, tenantID, s.now())
	if err != nil {
		return err
	}
	if !assigned {
		s.log.Info("tenant already assigned", zap.String("user_id", userID))
	}
	return nil
}
