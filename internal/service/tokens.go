package service

import (
	"errors"
	"time"

	"github.com/and161185/keyward/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access-token payload.
type Claims struct {
	Email       string     `json:"email"`
	Role        model.Role `json:"role"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Permissions []string   `json:"permissions"`
	jwt.RegisteredClaims
}

// issueAccessToken creates a signed HS256 JWT for u.
func (s *AuthServiceImpl) issueAccessToken(u *model.User) (string, error) {
	now := s.now()
	jti, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	claims := Claims{
		Email:       u.Email,
		Role:        u.Role,
		TenantID:    u.TenantID,
		Permissions: Permissions(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.cfg.SignKey)
}

// parseAccessToken checks signature, algorithm and expiry.
func (s *AuthServiceImpl) parseAccessToken(raw string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.cfg.SignKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

func (s *AuthServiceImpl) expiresIn() int64 {
	return int64(s.cfg.AccessTTL / time.Second)
}
