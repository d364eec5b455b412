package tokenvault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/authbridge/tokenvault/broker"
	"github.com/authbridge/tokenvault/providers"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
)

// Config holds the vault configuration.
// Structured using composition; every section has working defaults except
// Encryption, which requires key material.
type Config struct {
	// Encryption configures the keyring for token encryption at rest.
	Encryption EncryptionConfig `envPrefix:"ENCRYPTION_"`

	// Keycloak configures the built-in Keycloak provider. Ignored when
	// IdentityProvider is supplied directly.
	Keycloak KeycloakConfig `envPrefix:"KEYCLOAK_"`

	// Retry shapes provider refresh retries for transient failures.
	Retry RetryConfig `envPrefix:"RETRY_"`

	// Leases tunes the access-token lease cache.
	Leases LeaseConfig `envPrefix:"LEASE_"`

	// Introspection tunes token validation caching and throttling.
	Introspection IntrospectionConfig `envPrefix:"INTROSPECTION_"`

	// Sessions configures session lifecycle and credential sharing.
	Sessions SessionConfig `envPrefix:"SESSION_"`

	// Sweep configures the background maintenance loop.
	Sweep SweepConfig `envPrefix:"SWEEP_"`

	// EnableAuditLogging enables security audit logging. Sensitive values
	// are hashed before they reach the log.
	EnableAuditLogging bool `env:"AUDIT_LOGGING" envDefault:"true"`

	// ServiceName and ServiceVersion label telemetry.
	ServiceName    string `env:"SERVICE_NAME" envDefault:"tokenvault"`
	ServiceVersion string `env:"SERVICE_VERSION"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `env:"-"`

	// Store overrides the persistence backend. Defaults to the in-memory
	// store; use storage/sqlite for durability.
	Store storage.Store `env:"-"`

	// IdentityProvider overrides the provider built from Keycloak config.
	IdentityProvider providers.IdentityProvider `env:"-"`

	// HTTPClient is a custom HTTP client for provider requests.
	HTTPClient *http.Client `env:"-"`

	// TracerProvider plugs an exporting tracer into the vault's spans.
	// Defaults to a no-op provider.
	TracerProvider trace.TracerProvider `env:"-"`

	// MeterProvider plugs an exporting meter into the vault's metrics.
	// Defaults to a no-op provider.
	MeterProvider metric.MeterProvider `env:"-"`
}

// EncryptionConfig holds keyring material. Either Keys or MasterSecret must
// be set; Keys wins when both are.
type EncryptionConfig struct {
	// Keys maps key versions to base64-encoded 32-byte AES-256 keys.
	Keys map[uint32]string `env:"KEYS"`

	// CurrentVersion selects the version used for new writes.
	CurrentVersion uint32 `env:"CURRENT_VERSION" envDefault:"1"`

	// MasterSecret is a base64-encoded secret from which per-version keys
	// are derived. Rotation is then just bumping CurrentVersion.
	MasterSecret string `env:"MASTER_SECRET"`
}

// KeycloakConfig mirrors providers/keycloak.Config for env-driven setup.
type KeycloakConfig struct {
	ServerURL      string        `env:"SERVER_URL"`
	Realm          string        `env:"REALM"`
	ClientID       string        `env:"CLIENT_ID"`
	ClientSecret   string        `env:"CLIENT_SECRET"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// RetryConfig shapes the provider refresh backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of refresh attempts. Transient
	// failures only; permanent provider rejections never retry.
	MaxAttempts uint `env:"MAX_ATTEMPTS" envDefault:"3"`

	// InitialInterval is the first backoff pause.
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"200ms"`

	// MaxInterval caps the backoff pause.
	MaxInterval time.Duration `env:"MAX_INTERVAL" envDefault:"5s"`
}

// LeaseConfig tunes the access-token lease cache.
type LeaseConfig struct {
	// SafetyMargin is how long before expiry a lease stops being served.
	SafetyMargin time.Duration `env:"SAFETY_MARGIN" envDefault:"30s"`

	// MaxEntries bounds the cache.
	MaxEntries int `env:"MAX_ENTRIES" envDefault:"1000"`
}

// IntrospectionConfig tunes token validation.
type IntrospectionConfig struct {
	// CacheTTL bounds how long a positive introspection is cached. The
	// token's own expiry always applies as a tighter bound.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"1m"`

	// Rate and Burst throttle introspection calls per token.
	Rate  int `env:"RATE" envDefault:"10"`
	Burst int `env:"BURST" envDefault:"20"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// IdleTTL is how long a session may go unused before the sweeper
	// expires it.
	IdleTTL time.Duration `env:"IDLE_TTL" envDefault:"30m"`

	// Sharing is the session/credential sharing policy: "shared" keeps a
	// credential alive while any session references it; "per-session"
	// revokes it with its session.
	Sharing string `env:"SHARING" envDefault:"shared"`
}

// SweepConfig configures background maintenance.
type SweepConfig struct {
	// Enabled starts the sweeper with the vault.
	Enabled bool `env:"ENABLED" envDefault:"true"`

	// Interval is the pause between passes.
	Interval time.Duration `env:"INTERVAL" envDefault:"1m"`

	// RevokedRetention is how long revoked records are kept before purge.
	RevokedRetention time.Duration `env:"REVOKED_RETENTION" envDefault:"24h"`
}

// ConfigFromEnv builds a Config from TOKENVAULT_-prefixed environment
// variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TOKENVAULT_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for problems that would only surface
// later at runtime.
func (c *Config) Validate() error {
	if len(c.Encryption.Keys) == 0 && c.Encryption.MasterSecret == "" {
		return errors.New("encryption: keys or master secret required")
	}
	if c.Encryption.CurrentVersion == 0 {
		return errors.New("encryption: current version must be at least 1")
	}
	if len(c.Encryption.Keys) > 0 {
		if _, ok := c.Encryption.Keys[c.Encryption.CurrentVersion]; !ok {
			return fmt.Errorf("encryption: no key for current version %d", c.Encryption.CurrentVersion)
		}
	}
	switch broker.CredentialSharing(c.Sessions.Sharing) {
	case broker.SharingShared, broker.SharingPerSession, "":
	default:
		return fmt.Errorf("sessions: unknown sharing policy %q", c.Sessions.Sharing)
	}
	if c.IdentityProvider == nil && c.Keycloak.ServerURL == "" {
		return errors.New("provider: identity provider or keycloak configuration required")
	}
	return nil
}

// buildKeyring constructs the keyring from explicit keys or the master
// secret.
func (c *Config) buildKeyring() (*security.Keyring, error) {
	if len(c.Encryption.Keys) > 0 {
		keys := make(map[uint32][]byte, len(c.Encryption.Keys))
		for version, encoded := range c.Encryption.Keys {
			key, err := security.KeyFromBase64(encoded)
			if err != nil {
				return nil, fmt.Errorf("encryption key v%d: %w", version, err)
			}
			keys[version] = key
		}
		return security.NewKeyring(keys, c.Encryption.CurrentVersion)
	}

	secret, err := base64.StdEncoding.DecodeString(c.Encryption.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("decode master secret: %w", err)
	}
	return security.DeriveKeyring(secret, c.Encryption.CurrentVersion)
}

// brokerOptions translates the config sections into broker options.
func (c *Config) brokerOptions() broker.Options {
	return broker.Options{
		LeaseSafetyMargin:          c.Leases.SafetyMargin,
		LeaseMaxEntries:            c.Leases.MaxEntries,
		RetryMaxAttempts:           c.Retry.MaxAttempts,
		RetryInitialInterval:       c.Retry.InitialInterval,
		RetryMaxInterval:           c.Retry.MaxInterval,
		IntrospectionCacheTTL:      c.Introspection.CacheTTL,
		IntrospectionRatePerSecond: c.Introspection.Rate,
		IntrospectionBurst:         c.Introspection.Burst,
		Sharing:                    broker.CredentialSharing(c.Sessions.Sharing),
		SessionIdleTTL:             c.Sessions.IdleTTL,
		SweepInterval:              c.Sweep.Interval,
		RevokedRetention:           c.Sweep.RevokedRetention,
	}
}
