// Package mock provides a mock implementation of the IdentityProvider
// interface for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/authbridge/tokenvault/providers"
)

// MockProvider is a configurable IdentityProvider for tests.
// Each method delegates to its corresponding func field and counts the call.
type MockProvider struct {
	// RefreshFunc is called when Refresh() is invoked
	RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// IntrospectFunc is called when Introspect() is invoked
	IntrospectFunc func(ctx context.Context, accessToken string) (*providers.Introspection, error)

	// RevokeUpstreamFunc is called when RevokeUpstream() is invoked
	RevokeUpstreamFunc func(ctx context.Context, token string) error

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// NewMockProvider creates a mock with working default implementations:
// refreshes succeed with a rotated refresh token and a 5 minute access
// token, introspections report active.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		RefreshFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-rotated-refresh-token",
				Expiry:       time.Now().Add(5 * time.Minute),
			}, nil
		},
		IntrospectFunc: func(ctx context.Context, accessToken string) (*providers.Introspection, error) {
			return &providers.Introspection{
				Active:    true,
				Subject:   "mock-subject",
				SessionID: "mock-session",
				TokenType: "Bearer",
				ExpiresAt: time.Now().Add(5 * time.Minute),
			}, nil
		},
		RevokeUpstreamFunc: func(ctx context.Context, token string) error {
			return nil
		},
		HealthCheckFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// record bumps the counter and returns under lock before the user function
// runs, so user functions may call back into the mock without deadlocking.
func (m *MockProvider) record(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	m.record("Name")
	return "mock"
}

// Refresh delegates to RefreshFunc
func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("Refresh")
	return m.RefreshFunc(ctx, refreshToken)
}

// Introspect delegates to IntrospectFunc
func (m *MockProvider) Introspect(ctx context.Context, accessToken string) (*providers.Introspection, error) {
	m.record("Introspect")
	return m.IntrospectFunc(ctx, accessToken)
}

// RevokeUpstream delegates to RevokeUpstreamFunc
func (m *MockProvider) RevokeUpstream(ctx context.Context, token string) error {
	m.record("RevokeUpstream")
	return m.RevokeUpstreamFunc(ctx, token)
}

// HealthCheck delegates to HealthCheckFunc
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.record("HealthCheck")
	return m.HealthCheckFunc(ctx)
}

// Calls returns the number of recorded calls for a method.
func (m *MockProvider) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
