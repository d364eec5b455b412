package tokenvault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/authbridge/tokenvault/broker"
	"github.com/authbridge/tokenvault/instrumentation"
	"github.com/authbridge/tokenvault/providers"
	"github.com/authbridge/tokenvault/providers/keycloak"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
	"github.com/authbridge/tokenvault/storage/memory"
)

// Vault is the library facade: encrypted credential storage plus access-token
// brokering against an identity provider. All methods are safe for
// concurrent use.
type Vault struct {
	logger  *slog.Logger
	store   storage.Store
	keyring *security.Keyring

	provider providers.IdentityProvider
	broker   *broker.Service
	inst     *instrumentation.Instrumentation
	auditor  *security.Auditor

	sweepCancel context.CancelFunc
}

// New wires a vault from the configuration: keyring, store, provider,
// broker, instrumentation, and (unless disabled) the background sweeper.
func New(cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keyring, err := cfg.buildKeyring()
	if err != nil {
		return nil, fmt.Errorf("build keyring: %w", err)
	}

	store := cfg.Store
	if store == nil {
		store = memory.New(logger)
		logger.Warn("No store configured, using in-memory storage (credentials lost on restart)")
	}

	provider := cfg.IdentityProvider
	if provider == nil {
		provider, err = keycloak.NewProvider(keycloak.Config{
			ServerURL:      cfg.Keycloak.ServerURL,
			Realm:          cfg.Keycloak.Realm,
			ClientID:       cfg.Keycloak.ClientID,
			ClientSecret:   cfg.Keycloak.ClientSecret,
			HTTPClient:     cfg.HTTPClient,
			RequestTimeout: cfg.Keycloak.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build keycloak provider: %w", err)
		}
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Enabled:        true,
		TracerProvider: cfg.TracerProvider,
		MeterProvider:  cfg.MeterProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("build instrumentation: %w", err)
	}

	auditor := security.NewAuditor(logger, cfg.EnableAuditLogging)

	svc, err := broker.New(store, keyring, provider, cfg.brokerOptions(), logger, auditor, inst)
	if err != nil {
		return nil, fmt.Errorf("build broker: %w", err)
	}

	v := &Vault{
		logger:   logger,
		store:    store,
		keyring:  keyring,
		provider: provider,
		broker:   svc,
		inst:     inst,
		auditor:  auditor,
	}

	if cfg.Sweep.Enabled {
		sweepCtx, cancel := context.WithCancel(context.Background())
		v.sweepCancel = cancel
		go svc.RunSweeper(sweepCtx)
	}

	logger.Info("Token vault initialized",
		"provider", provider.Name(),
		"key_version", keyring.CurrentVersion(),
		"sweeper", cfg.Sweep.Enabled)
	return v, nil
}

// Close stops the sweeper and releases background resources.
func (v *Vault) Close() error {
	if v.sweepCancel != nil {
		v.sweepCancel()
	}
	v.broker.Close()
	return v.inst.Shutdown(context.Background())
}

// StoreCredential encrypts and stores a refresh or offline token for the
// subject in the realm.
func (v *Vault) StoreCredential(ctx context.Context, subjectID, realm string, kind storage.TokenKind, rawToken string, opts broker.StoreCredentialOptions) error {
	if err := v.broker.StoreCredential(ctx, subjectID, realm, kind, rawToken, opts); err != nil {
		return Classify(err)
	}
	return nil
}

// GetAccessToken returns a valid access token for the subject, refreshing
// through the identity provider as needed.
func (v *Vault) GetAccessToken(ctx context.Context, subjectID, realm string) (*broker.Lease, error) {
	lease, err := v.broker.GetAccessToken(ctx, subjectID, realm)
	if err != nil {
		return nil, Classify(err)
	}
	return lease, nil
}

// GetAccessTokenForSession issues an access token for the session's
// credential and marks the session as used.
func (v *Vault) GetAccessTokenForSession(ctx context.Context, sessionID string) (*broker.Lease, error) {
	lease, err := v.broker.GetAccessTokenForSession(ctx, sessionID)
	if err != nil {
		return nil, Classify(err)
	}
	return lease, nil
}

// RevokeCredential revokes the stored credential and best-effort revokes it
// upstream.
func (v *Vault) RevokeCredential(ctx context.Context, subjectID, realm string, kind storage.TokenKind) error {
	if err := v.broker.RevokeCredential(ctx, subjectID, realm, kind, "caller_requested"); err != nil {
		return Classify(err)
	}
	return nil
}

// ValidateAccessToken introspects an access token at the provider, with
// short-lived positive caching.
func (v *Vault) ValidateAccessToken(ctx context.Context, accessToken string) (*providers.Introspection, error) {
	intro, err := v.broker.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, Classify(err)
	}
	return intro, nil
}

// CreateSession registers an active session referencing the subject's
// credential.
func (v *Vault) CreateSession(ctx context.Context, subjectID, realm string, kind storage.TokenKind) (*storage.Session, error) {
	sess, err := v.broker.CreateSession(ctx, subjectID, realm, kind)
	if err != nil {
		return nil, Classify(err)
	}
	return sess, nil
}

// GetSession returns a session by ID.
func (v *Vault) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	sess, err := v.broker.GetSession(ctx, sessionID)
	if err != nil {
		return nil, Classify(err)
	}
	return sess, nil
}

// TouchSession marks a session as used now.
func (v *Vault) TouchSession(ctx context.Context, sessionID string) error {
	if err := v.broker.TouchSession(ctx, sessionID); err != nil {
		return Classify(err)
	}
	return nil
}

// RevokeSession revokes a session, cascading to its credential per the
// sharing policy; force always cascades.
func (v *Vault) RevokeSession(ctx context.Context, sessionID string, force bool) error {
	if err := v.broker.RevokeSession(ctx, sessionID, force); err != nil {
		return Classify(err)
	}
	return nil
}

// ListActiveSessions returns the subject's active sessions.
func (v *Vault) ListActiveSessions(ctx context.Context, subjectID string) ([]*storage.Session, error) {
	sessions, err := v.broker.ListActiveSessions(ctx, subjectID)
	if err != nil {
		return nil, Classify(err)
	}
	return sessions, nil
}

// SweepNow runs one maintenance pass immediately, independent of the
// background interval.
func (v *Vault) SweepNow(ctx context.Context) broker.SweepStats {
	return v.broker.SweepOnce(ctx)
}

// HealthCheck verifies the identity provider is reachable.
func (v *Vault) HealthCheck(ctx context.Context) error {
	if err := v.provider.HealthCheck(ctx); err != nil {
		return Classify(err)
	}
	return nil
}
