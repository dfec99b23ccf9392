// Package memory provides in-process repository implementations for
// development runs without PostgreSQL and for tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/and161185/keyward/internal/errs"
	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/repository"
)

// Users is a concurrency-safe UserRepository.
type Users struct {
	mu   sync.RWMutex
	byID map[string]*model.User
}

// NewUsers returns an empty user store.
func NewUsers() *Users {
	return &Users{byID: make(map[string]*model.User)}
}

// Create inserts u unless the email is taken.
func (s *Users) Create(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[u.ID]; ok {
		return errs.ErrAlreadyExists
	}
	for _, x := range s.byID {
		if x.Email == u.Email {
			return errs.ErrAlreadyExists
		}
	}
	s.byID[u.ID] = copyUser(u)
	return nil
}

func (s *Users) GetByID(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *Users) GetByEmail(_ context.Context, email string) (*model.User, error) {
	return s.find(func(u *model.User) bool { return u.Email == email })
}

func (s *Users) GetByVerifyToken(_ context.Context, tokenHash string) (*model.User, error) {
	if tokenHash == "" {
		return nil, errs.ErrNotFound
	}
	return s.find(func(u *model.User) bool { return u.EmailVerifyToken == tokenHash })
}

func (s *Users) GetByResetToken(_ context.Context, tokenHash string) (*model.User, error) {
	if tokenHash == "" {
		return nil, errs.ErrNotFound
	}
	return s.find(func(u *model.User) bool { return u.PasswordResetToken == tokenHash })
}

// mutate applies fn to the stored user under the write lock.
func (s *Users) mutate(id string, fn func(u *model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	fn(u)
	return nil
}

func (s *Users) RecordLoginFailure(_ context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (repository.LoginFailure, error) {
	var out repository.LoginFailure
	err := s.mutate(id, func(u *model.User) {
		if u.LockedUntil != nil && !u.LockedUntil.After(now) {
			u.LockedUntil = nil
			u.FailedLoginCount = 0
		}
		u.FailedLoginCount++
		if u.LockedUntil == nil && u.FailedLoginCount >= maxAttempts {
			until := now.Add(lockFor)
			u.LockedUntil = &until
		}
		u.UpdatedAt = now
		out = repository.LoginFailure{Count: u.FailedLoginCount, LockedUntil: copyTime(u.LockedUntil)}
	})
	return out, err
}

func (s *Users) RecordLoginSuccess(_ context.Context, id, passwordHash string, now time.Time) error {
	stale := false
	err := s.mutate(id, func(u *model.User) {
		if u.PasswordHash != passwordHash {
			stale = true
			return
		}
		u.FailedLoginCount = 0
		u.LockedUntil = nil
		u.LoginCount++
		u.LastLogin = copyTime(&now)
		u.UpdatedAt = now
	})
	if err == nil && stale {
		return errs.ErrNotFound
	}
	return err
}

func (s *Users) LinkOAuth(_ context.Context, id, provider, providerID string, now time.Time) (*model.User, error) {
	var out *model.User
	err := s.mutate(id, func(u *model.User) {
		u.OAuthProvider = provider
		u.OAuthProviderID = providerID
		if !slices.Contains(u.LinkedProviders, provider) {
			u.LinkedProviders = append(u.LinkedProviders, provider)
		}
		u.EmailVerified = true
		u.FailedLoginCount = 0
		u.LockedUntil = nil
		u.LoginCount++
		u.LastLogin = copyTime(&now)
		u.UpdatedAt = now
		out = copyUser(u)
	})
	return out, err
}

func (s *Users) SetPassword(_ context.Context, id, passwordHash string, now time.Time) error {
	return s.mutate(id, func(u *model.User) {
		u.PasswordHash = passwordHash
		u.PasswordResetToken = ""
		u.PasswordResetExpires = nil
		u.UpdatedAt = now
	})
}

func (s *Users) ResetPassword(_ context.Context, resetTokenHash, passwordHash string, now time.Time) (string, error) {
	if resetTokenHash == "" {
		return "", errs.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byID {
		if u.PasswordResetToken == resetTokenHash {
			u.PasswordHash = passwordHash
			u.PasswordResetToken = ""
			u.PasswordResetExpires = nil
			u.UpdatedAt = now
			return u.ID, nil
		}
	}
	return "", errs.ErrNotFound
}

func (s *Users) SetResetToken(_ context.Context, id, tokenHash string, expires, now time.Time) error {
	return s.mutate(id, func(u *model.User) {
		u.PasswordResetToken = tokenHash
		u.PasswordResetExpires = copyTime(&expires)
		u.UpdatedAt = now
	})
}

func (s *Users) SetVerifyToken(_ context.Context, id, tokenHash string, expires, now time.Time) error {
	return s.mutate(id, func(u *model.User) {
		u.EmailVerifyToken = tokenHash
		u.EmailVerifyExpires = copyTime(&expires)
		u.UpdatedAt = now
	})
}

func (s *Users) MarkEmailVerified(_ context.Context, id string, now time.Time) error {
	return s.mutate(id, func(u *model.User) {
		u.EmailVerified = true
		u.EmailVerifyToken = ""
		u.EmailVerifyExpires = nil
		u.UpdatedAt = now
	})
}

func (s *Users) AssignTenant(_ context.Context, id, tenantID string, now time.Time) (bool, error) {
	assigned := false
	err := s.mutate(id, func(u *model.User) {
		if u.TenantID != "" {
			return
		}
		u.TenantID = tenantID
		u.UpdatedAt = now
		assigned = true
	})
	return assigned, err
}

// UpdateProfile writes the profile fields of u.
func (s *Users) UpdateProfile(_ context.Context, u *model.User) error {
	return s.mutate(u.ID, func(stored *model.User) {
		stored.Name = u.Name
		stored.Phone = u.Phone
		stored.AvatarURL = u.AvatarURL
		stored.Preferences = maps.Clone(u.Preferences)
		stored.UpdatedAt = u.UpdatedAt
	})
}

func (s *Users) find(match func(*model.User) bool) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if match(u) {
			return copyUser(u), nil
		}
	}
	return nil, errs.ErrNotFound
}

func copyUser(u *model.User) *model.User {
	c := *u
	c.LinkedProviders = slices.Clone(u.LinkedProviders)
	c.Preferences = maps.Clone(u.Preferences)
	c.EmailVerifyExpires = copyTime(u.EmailVerifyExpires)
	c.PasswordResetExpires = copyTime(u.PasswordResetExpires)
	c.LockedUntil = copyTime(u.LockedUntil)
	c.LastLogin = copyTime(u.LastLogin)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Sessions is a concurrency-safe SessionRepository.
type Sessions struct {
	mu   sync.RWMutex
	byID map[string]model.Session
}

// NewSessions returns an empty session store.
func NewSessions() *Sessions {
	return &Sessions{byID: make(map[string]model.Session)}
}

func (s *Sessions) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sess.ID]; ok {
		return errs.ErrAlreadyExists
	}
	s.byID[sess.ID] = *sess
	return nil
}

func (s *Sessions) GetByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.byID {
		if sess.RefreshTokenHash == tokenHash {
			c := sess
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *Sessions) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[id]; ok {
		sess.LastUsedAt = at
		s.byID[id] = sess
	}
	return nil
}

func (s *Sessions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
	return nil
}

func (s *Sessions) DeleteByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.byID {
		if sess.UserID == userID {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
