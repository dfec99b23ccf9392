// Package model defines domain entities used by services and repositories.
package model

import "time"

// Role is one of the fixed platform roles.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// User represents an account stored by the Database collaborator. Tokens are stored hashed.
type User struct {
	ID           string
	Email        string // lower-cased, globally unique
	PasswordHash string // Argon2id, PHC-encoded
	Name         string
	Role         Role
	TenantID     string // empty when not yet provisioned

	EmailVerified        bool
	EmailVerifyToken     string // sha256 hex
	EmailVerifyExpires   *time.Time
	PasswordResetToken   string // sha256 hex
	PasswordResetExpires *time.Time

	LoginCount       int
	FailedLoginCount int
	LockedUntil      *time.Time
	LastLogin        *time.Time

	OAuthProvider   string
	OAuthProviderID string
	LinkedProviders []string

	Phone       string
	AvatarURL   string
	Preferences map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is one active refresh token. Only the hash of the token is kept.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// PublicUser is the user view returned to callers; it never carries hashes or tokens.
type PublicUser struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name"`
	Role          Role           `json:"role"`
	TenantID      string         `json:"tenant_id,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	Phone         string         `json:"phone,omitempty"`
	AvatarURL     string         `json:"avatar_url,omitempty"`
	Preferences   map[string]any `json:"preferences,omitempty"`
	CreatedAt     *time.Time     `json:"created_at,omitempty"`
	LastLogin     *time.Time     `json:"last_login,omitempty"`
}

// Public returns the caller-facing view of u.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		TenantID:      u.TenantID,
		EmailVerified: u.EmailVerified,
		Phone:         u.Phone,
		AvatarURL:     u.AvatarURL,
		Preferences:   u.Preferences,
	}
}

// Tokens is the result of a password or OAuth login.
type Tokens struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	User         PublicUser `json:"user"`
}

// AccessToken is the result of redeeming a refresh token.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Identity is the verified caller behind an access token, re-read from storage.
type Identity struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Role        Role     `json:"role"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Permissions []string `json:"permissions"`
}

// OAuthProfile is a third-party identity normalized across providers.
type OAuthProfile struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Avatar     string `json:"avatar,omitempty"`
	Provider   string `json:"provider"`
	ProviderID string `json:"providerId"`
}

// LoginResult is the outcome of an SSO login: the normalized identity and the issued session.
type LoginResult struct {
	Profile OAuthProfile `json:"profile"`
	Tokens  Tokens       `json:"tokens"`
}
