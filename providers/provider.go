// Package providers defines the interface to the external OAuth2/OIDC
// identity provider and the error taxonomy for its failures. The broker
// consumes providers only through this interface; provider-specific logic
// lives in subpackages.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// IdentityProvider is the contract the broker requires from an identity
// provider: exchanging refresh material for access tokens, checking token
// validity, and best-effort upstream revocation.
type IdentityProvider interface {
	// Name returns the provider name (e.g., "keycloak")
	Name() string

	// Refresh exchanges a refresh or offline token for a fresh access
	// token. The returned token may carry a rotated refresh token in its
	// RefreshToken field; callers must persist it, since the provider may
	// have invalidated the one just used.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Introspect checks an access token's current validity and claims.
	Introspect(ctx context.Context, accessToken string) (*Introspection, error)

	// RevokeUpstream revokes a token at the provider. Best effort: the
	// vault-side revocation is authoritative regardless of the outcome.
	RevokeUpstream(ctx context.Context, token string) error

	// HealthCheck verifies that the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// Introspection is the provider's view of an access token.
type Introspection struct {
	// Active indicates the token is currently valid
	Active bool

	// Subject is the token's sub claim
	Subject string

	// SessionID is the provider session (Keycloak sid claim)
	SessionID string

	// Scope is the granted scope string
	Scope string

	// ClientID is the client the token was issued to
	ClientID string

	// Username is the provider-side username, if exposed
	Username string

	// TokenType is the provider's token type label
	TokenType string

	// ExpiresAt is the token expiry; zero when the provider omits exp
	ExpiresAt time.Time

	// IssuedAt is the token issue time; zero when the provider omits iat
	IssuedAt time.Time
}

// Provider error codes.
const (
	ErrorCodeInvalidGrant = "invalid_grant"
	ErrorCodeInvalidToken = "invalid_token"
	ErrorCodeUnavailable  = "provider_unavailable"
	ErrorCodeTimeout      = "provider_timeout"
	ErrorCodeServerError  = "server_error"
)

// Error is a provider failure with a transient/permanent distinction.
// Transient failures (timeouts, 5xx) may be retried; permanent failures
// (invalid_grant: the refresh token is no longer usable upstream) must not.
type Error struct {
	Code      string
	Status    int
	Transient bool
	err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("provider error %s", e.Code)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.err
}

// NewError creates a provider error.
func NewError(code string, status int, transient bool, cause error) *Error {
	return &Error{Code: code, Status: status, Transient: transient, err: cause}
}

// IsTransient reports whether the error is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// IsInvalidGrant reports whether the provider permanently rejected the
// refresh material, meaning the stored credential is dead upstream.
func IsInvalidGrant(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == ErrorCodeInvalidGrant
}
