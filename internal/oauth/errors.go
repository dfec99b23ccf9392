package oauth

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies gateway failures.
type ErrorKind int

const (
	KindUnknownProvider ErrorKind = iota + 1
	KindLoginUnsupported
	KindMissingCredentials
	KindInvalidRequest
	KindInvalidState
	KindUpstream
	KindProfile
	KindVault
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnknownProvider:
		return "unknown_provider"
	case KindLoginUnsupported:
		return "login_unsupported"
	case KindMissingCredentials:
		return "missing_credentials"
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidState:
		return "invalid_state"
	case KindUpstream:
		return "upstream"
	case KindProfile:
		return "profile"
	case KindVault:
		return "vault"
	default:
		return "unknown"
	}
}

// GatewayError is the single error type of the OAuth Gateway.
type GatewayError struct {
	Kind     ErrorKind
	Provider string
	Message  string
	// Status and Body carry the upstream response for KindUpstream and KindProfile.
	Status int
	Body   string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Body)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is matches any GatewayError of the same kind.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	return ok && t.Kind == e.Kind
}

// HTTPStatus maps the error to a response status for the gateway's own callers.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindUpstream, KindProfile:
		return http.StatusBadGateway
	case KindVault, KindMissingCredentials:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Sentinels for errors.Is.
var (
	ErrUnknownProvider    = &GatewayError{Kind: KindUnknownProvider, Message: "Unknown OAuth provider"}
	ErrLoginUnsupported   = &GatewayError{Kind: KindLoginUnsupported, Message: "Provider does not support login"}
	ErrMissingCredentials = &GatewayError{Kind: KindMissingCredentials, Message: "Missing OAuth credentials"}
	ErrInvalidRequest     = &GatewayError{Kind: KindInvalidRequest, Message: "Invalid OAuth request"}
	ErrInvalidState       = &GatewayError{Kind: KindInvalidState, Message: "Invalid or expired state token"}
	ErrUpstream           = &GatewayError{Kind: KindUpstream, Message: "Token exchange failed"}
	ErrProfile            = &GatewayError{Kind: KindProfile, Message: "Profile fetch failed"}
	ErrVault              = &GatewayError{Kind: KindVault, Message: "Credential storage failed"}
)
