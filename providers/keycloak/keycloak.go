// Package keycloak implements the IdentityProvider interface for Keycloak.
// It talks to the realm's OpenID Connect endpoints directly: token refresh
// via the refresh_token grant, RFC 7662 introspection, and RFC 7009
// revocation. Offline tokens are handled by the same endpoints; Keycloak
// distinguishes them by the offline_access scope granted at issue time.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/authbridge/tokenvault/providers"
)

const (
	// DefaultRequestTimeout is the timeout for provider API calls
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseBodySize bounds how much of a success response is read.
	// Token responses carry full JWT pairs and can run well past a few KB.
	maxResponseBodySize = 1 << 20

	// maxErrorBodySize bounds how much of an error response is read
	maxErrorBodySize = 4 * 1024
)

// Config holds Keycloak provider configuration
type Config struct {
	// ServerURL is the Keycloak base URL (e.g., https://auth.example.com)
	ServerURL string

	// Realm is the Keycloak realm name
	Realm string

	// ClientID is the confidential client used for refresh and introspection
	ClientID string

	// ClientSecret is the client secret
	ClientSecret string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout is the timeout for provider API calls (default: 30s)
	RequestTimeout time.Duration
}

// Provider implements providers.IdentityProvider for Keycloak.
type Provider struct {
	cfg           Config
	httpClient    *http.Client
	tokenURL      string
	introspectURL string
	revokeURL     string
	discoveryURL  string
}

// NewProvider creates a new Keycloak provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	issuer := strings.TrimRight(cfg.ServerURL, "/") + "/realms/" + url.PathEscape(cfg.Realm)
	oidcBase := issuer + "/protocol/openid-connect"

	return &Provider{
		cfg:           cfg,
		httpClient:    httpClient,
		tokenURL:      oidcBase + "/token",
		introspectURL: oidcBase + "/token/introspect",
		revokeURL:     oidcBase + "/revoke",
		discoveryURL:  issuer + "/.well-known/openid-configuration",
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "keycloak"
}

// tokenResponse is the Keycloak token endpoint response
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	SessionState     string `json:"session_state"`
}

// Refresh exchanges a refresh or offline token for a fresh access token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}

	body, err := p.postForm(ctx, p.tokenURL, form)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, providers.NewError(providers.ErrorCodeServerError, 0, true,
			fmt.Errorf("malformed token response: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, providers.NewError(providers.ErrorCodeServerError, 0, true,
			fmt.Errorf("token response missing access_token"))
	}

	token := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return token.WithExtra(map[string]any{
		"scope":         tr.Scope,
		"session_state": tr.SessionState,
		"expires_in":    tr.ExpiresIn,
	}), nil
}

// introspectionResponse is the RFC 7662 introspection response
type introspectionResponse struct {
	Active    bool   `json:"active"`
	Exp       int64  `json:"exp"`
	Iat       int64  `json:"iat"`
	Sub       string `json:"sub"`
	Sid       string `json:"sid"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	TokenType string `json:"token_type"`
}

// Introspect checks an access token's current validity and claims.
func (p *Provider) Introspect(ctx context.Context, accessToken string) (*providers.Introspection, error) {
	form := url.Values{
		"token":         {accessToken},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}

	body, err := p.postForm(ctx, p.introspectURL, form)
	if err != nil {
		return nil, err
	}

	var ir introspectionResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, providers.NewError(providers.ErrorCodeServerError, 0, true,
			fmt.Errorf("malformed introspection response: %w", err))
	}

	out := &providers.Introspection{
		Active:    ir.Active,
		Subject:   ir.Sub,
		SessionID: ir.Sid,
		Scope:     ir.Scope,
		ClientID:  ir.ClientID,
		Username:  ir.Username,
		TokenType: ir.TokenType,
	}
	if ir.Exp > 0 {
		out.ExpiresAt = time.Unix(ir.Exp, 0)
	}
	if ir.Iat > 0 {
		out.IssuedAt = time.Unix(ir.Iat, 0)
	}
	return out, nil
}

// RevokeUpstream revokes a token at Keycloak. Best effort.
func (p *Provider) RevokeUpstream(ctx context.Context, token string) error {
	form := url.Values{
		"token":         {token},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}
	_, err := p.postForm(ctx, p.revokeURL, form)
	return err
}

// HealthCheck verifies the realm's discovery document is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.discoveryURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.NewError(providers.ErrorCodeUnavailable, 0, true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providers.NewError(providers.ErrorCodeUnavailable, resp.StatusCode, true,
			fmt.Errorf("discovery endpoint returned %d", resp.StatusCode))
	}
	return nil
}

// postForm executes a form POST and maps failures onto the provider error
// taxonomy. The response body is returned only for 2xx responses.
func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		code := providers.ErrorCodeUnavailable
		if isTimeout(err) {
			code = providers.ErrorCodeTimeout
		}
		return nil, providers.NewError(code, 0, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			return nil, providers.NewError(providers.ErrorCodeServerError, resp.StatusCode, true, err)
		}
		return body, nil
	}

	// Error bodies are only parsed for the OAuth error code; cap the read.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return nil, classifyHTTPError(resp.StatusCode, body)
}

// oauthErrorBody is the standard OAuth2 error response shape
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func classifyHTTPError(status int, body []byte) *providers.Error {
	if status >= 500 {
		return providers.NewError(providers.ErrorCodeServerError, status, true,
			fmt.Errorf("provider returned %d", status))
	}

	var eb oauthErrorBody
	_ = json.Unmarshal(body, &eb)

	switch eb.Error {
	case "invalid_grant":
		return providers.NewError(providers.ErrorCodeInvalidGrant, status, false,
			fmt.Errorf("refresh token rejected upstream"))
	case "invalid_token":
		return providers.NewError(providers.ErrorCodeInvalidToken, status, false,
			fmt.Errorf("token rejected upstream"))
	case "":
		return providers.NewError(providers.ErrorCodeServerError, status, false,
			fmt.Errorf("provider returned %d", status))
	default:
		// Other 4xx codes (invalid_client, unauthorized_client) are
		// configuration problems; retrying will not help.
		return providers.NewError(eb.Error, status, false,
			fmt.Errorf("provider rejected request: %s", eb.Error))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
