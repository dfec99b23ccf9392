package service

import "net/http"

// ErrorCode is the machine-readable reason of an AuthError.
type ErrorCode string

const (
	CodeInvalidEmail       ErrorCode = "INVALID_EMAIL"
	CodeWeakPassword       ErrorCode = "WEAK_PASSWORD"
	CodeEmailExists        ErrorCode = "EMAIL_EXISTS"
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeAccountLocked      ErrorCode = "ACCOUNT_LOCKED"
	CodeEmailNotVerified   ErrorCode = "EMAIL_NOT_VERIFIED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	CodeUserNotFound       ErrorCode = "USER_NOT_FOUND"
	CodeInvalidPassword    ErrorCode = "INVALID_PASSWORD"
	CodeMissingToken       ErrorCode = "MISSING_TOKEN"
)

// AuthError is the single error type surfaced by the Auth Service for
// expected failures. Message is safe to show to end users.
type AuthError struct {
	Code    ErrorCode
	Message string
	Status  int
	// Details lists every violated rule for WEAK_PASSWORD.
	Details []string
}

func (e *AuthError) Error() string { return e.Message }

// Is matches any AuthError with the same code, so errors.Is(err, ErrAccountLocked) works.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

func newAuthError(code ErrorCode, status int, msg string) *AuthError {
	return &AuthError{Code: code, Message: msg, Status: status}
}

// Sentinels for errors.Is; their messages are generic.
var (
	ErrInvalidEmail       = newAuthError(CodeInvalidEmail, http.StatusBadRequest, "Invalid email format")
	ErrWeakPassword       = newAuthError(CodeWeakPassword, http.StatusBadRequest, "Password does not meet requirements")
	ErrEmailExists        = newAuthError(CodeEmailExists, http.StatusBadRequest, "Email already registered")
	ErrInvalidCredentials = newAuthError(CodeInvalidCredentials, http.StatusUnauthorized, "Invalid email or password")
	ErrAccountLocked      = newAuthError(CodeAccountLocked, http.StatusLocked, "Account locked")
	ErrEmailNotVerified   = newAuthError(CodeEmailNotVerified, http.StatusForbidden,
		"Please verify your email before logging in. Check your inbox for the verification link.")
	ErrInvalidToken    = newAuthError(CodeInvalidToken, http.StatusUnauthorized, "Invalid token")
	ErrTokenExpired    = newAuthError(CodeTokenExpired, http.StatusUnauthorized, "Token expired")
	ErrUserNotFound    = newAuthError(CodeUserNotFound, http.StatusUnauthorized, "User not found")
	ErrInvalidPassword = newAuthError(CodeInvalidPassword, http.StatusUnauthorized, "Current password is incorrect")
	ErrMissingToken    = newAuthError(CodeMissingToken, http.StatusUnauthorized, "Refresh token required")
)
