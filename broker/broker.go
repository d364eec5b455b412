package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/authbridge/tokenvault/instrumentation"
	"github.com/authbridge/tokenvault/providers"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
)

// CredentialSharing decides how sessions relate to the credentials they use.
type CredentialSharing string

const (
	// SharingShared means sessions of a subject share one credential per
	// (realm, kind). Revoking a session only revokes the credential when
	// no other active session still references it.
	SharingShared CredentialSharing = "shared"

	// SharingPerSession means each session is assumed to own its
	// credential; revoking the session always revokes the credential.
	SharingPerSession CredentialSharing = "per-session"
)

// Options tunes broker behavior. Zero values get sensible defaults in New.
type Options struct {
	// LeaseSafetyMargin is how long before expiry a cached lease stops
	// being served, so callers never receive a token that dies mid-use.
	LeaseSafetyMargin time.Duration

	// LeaseMaxEntries bounds the lease cache.
	LeaseMaxEntries int

	// RetryMaxAttempts is the total number of provider refresh attempts
	// for transient failures.
	RetryMaxAttempts uint

	// RetryInitialInterval and RetryMaxInterval shape the backoff curve.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// IntrospectionCacheTTL bounds how long a positive introspection
	// result may be served from cache. The token's own expiry always
	// applies as a tighter bound.
	IntrospectionCacheTTL time.Duration

	// IntrospectionRatePerSecond and IntrospectionBurst rate-limit
	// introspection calls per token fingerprint.
	IntrospectionRatePerSecond int
	IntrospectionBurst         int

	// Sharing selects the session/credential sharing policy.
	Sharing CredentialSharing

	// SessionIdleTTL is how long a session may go untouched before the
	// sweeper expires it.
	SessionIdleTTL time.Duration

	// SweepInterval is the pause between sweeper passes.
	SweepInterval time.Duration

	// RevokedRetention is how long revoked records are kept before the
	// sweeper purges them.
	RevokedRetention time.Duration
}

func (o *Options) applyDefaults() {
	if o.LeaseSafetyMargin <= 0 {
		o.LeaseSafetyMargin = 30 * time.Second
	}
	if o.LeaseMaxEntries <= 0 {
		o.LeaseMaxEntries = 1000
	}
	if o.RetryMaxAttempts == 0 {
		o.RetryMaxAttempts = 3
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 200 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 5 * time.Second
	}
	if o.IntrospectionCacheTTL <= 0 {
		o.IntrospectionCacheTTL = time.Minute
	}
	if o.IntrospectionRatePerSecond <= 0 {
		o.IntrospectionRatePerSecond = 10
	}
	if o.IntrospectionBurst <= 0 {
		o.IntrospectionBurst = 20
	}
	if o.Sharing == "" {
		o.Sharing = SharingShared
	}
	if o.SessionIdleTTL <= 0 {
		o.SessionIdleTTL = 30 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.RevokedRetention <= 0 {
		o.RevokedRetention = 24 * time.Hour
	}
}

// Service orchestrates credential storage, provider refresh, sessions, and
// revocation. All methods are safe for concurrent use.
type Service struct {
	store    storage.Store
	keyring  *security.Keyring
	provider providers.IdentityProvider

	opts   Options
	logger *slog.Logger

	leases        *leaseCache
	refreshGroup  singleflight.Group
	introspection *introspectionCache
	introLimiter  *security.RateLimiter

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// New creates a broker service. store, keyring and provider are required;
// auditor and inst may be nil.
func New(store storage.Store, keyring *security.Keyring, provider providers.IdentityProvider, opts Options, logger *slog.Logger, auditor *security.Auditor, inst *instrumentation.Instrumentation) (*Service, error) {
	if store == nil {
		return nil, errors.New("broker: store is required")
	}
	if keyring == nil {
		return nil, errors.New("broker: keyring is required")
	}
	if provider == nil {
		return nil, errors.New("broker: provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	var metrics *instrumentation.Metrics
	var tracer trace.Tracer
	if inst != nil {
		metrics = inst.Metrics()
		tracer = inst.Tracer("broker")
	}

	return &Service{
		store:         store,
		keyring:       keyring,
		provider:      provider,
		opts:          opts,
		logger:        logger,
		leases:        newLeaseCache(opts.LeaseMaxEntries),
		introspection: newIntrospectionCache(defaultIntrospectionCacheEntries),
		introLimiter:  security.NewRateLimiter(opts.IntrospectionRatePerSecond, opts.IntrospectionBurst, logger),
		auditor:       auditor,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Close releases background resources held by the service.
func (s *Service) Close() {
	if s.introLimiter != nil {
		s.introLimiter.Stop()
	}
}

// leaseKey builds the per-credential cache and singleflight key.
// NUL never appears in subject or realm identifiers.
func leaseKey(subjectID, realm string) string {
	return subjectID + "\x00" + realm
}

// GetAccessToken returns a valid access token for the subject in the realm,
// refreshing through the identity provider when no usable lease is cached.
// Concurrent callers for the same subject and realm share one refresh.
func (s *Service) GetAccessToken(ctx context.Context, subjectID, realm string) (*Lease, error) {
	if subjectID == "" || realm == "" {
		return nil, errors.New("broker: subject and realm are required")
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.get_access_token")
		defer span.End()
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrSubjectID, subjectID),
		attribute.String(instrumentation.AttrRealm, realm),
	)

	key := leaseKey(subjectID, realm)
	if lease, ok := s.leases.Get(key, s.opts.LeaseSafetyMargin); ok {
		s.addMetric(func(m *instrumentation.Metrics) { m.LeaseCacheHits.Add(ctx, 1) })
		s.addMetric(func(m *instrumentation.Metrics) { m.TokenIssued.Add(ctx, 1) })
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrLeaseHit, true))
		instrumentation.SetSpanSuccess(span)
		return lease, nil
	}
	s.addMetric(func(m *instrumentation.Metrics) { m.LeaseCacheMisses.Add(ctx, 1) })
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrLeaseHit, false))

	// The refresh itself runs detached from this caller's context: once a
	// provider exchange is in flight, other waiters may be depending on
	// its result, so one caller hanging up must not abort it. Waiters
	// still honor their own context below.
	refreshCtx := context.WithoutCancel(ctx)
	ch := s.refreshGroup.DoChan(key, func() (interface{}, error) {
		return s.refreshCredential(refreshCtx, subjectID, realm)
	})

	select {
	case <-ctx.Done():
		instrumentation.SetSpanError(span, "caller cancelled")
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			instrumentation.RecordError(span, res.Err)
			return nil, res.Err
		}
		if res.Shared {
			s.addMetric(func(m *instrumentation.Metrics) { m.RefreshDeduped.Add(ctx, 1) })
			instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrDeduplicated, true))
		}
		s.addMetric(func(m *instrumentation.Metrics) { m.TokenIssued.Add(ctx, 1) })
		lease := res.Val.(*Lease)
		if !lease.ExpiresAt.IsZero() {
			instrumentation.SetSpanAttributes(span,
				attribute.Int64(instrumentation.AttrExpiresIn, int64(time.Until(lease.ExpiresAt).Seconds())))
		}
		instrumentation.SetSpanSuccess(span)
		out := *lease
		return &out, nil
	}
}

// GetAccessTokenForSession resolves the session, verifies it is active,
// touches its last-used time, and issues an access token for its credential.
func (s *Service) GetAccessTokenForSession(ctx context.Context, sessionID string) (*Lease, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != storage.SessionActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, storage.ErrRevoked)
	}
	if err := s.store.TouchSession(ctx, sessionID, time.Now()); err != nil {
		s.logger.Warn("Failed to touch session", "session_id", sessionID, "error", err)
	}
	return s.GetAccessToken(ctx, sess.SubjectID, sess.Realm)
}

// refreshCredential performs one full load-decrypt-refresh-store cycle. On a
// storage version conflict it reloads and retries the cycle once; the
// conflicting writer's outcome (a rotated credential, or a fresh lease) is
// observed through the store and cache on the second pass.
func (s *Service) refreshCredential(ctx context.Context, subjectID, realm string) (*Lease, error) {
	key := leaseKey(subjectID, realm)

	for attempt := 0; ; attempt++ {
		// A winner may have populated the cache while this caller was
		// waiting for the singleflight slot or retrying a conflict.
		if lease, ok := s.leases.Get(key, s.opts.LeaseSafetyMargin); ok {
			return lease, nil
		}

		lease, err := s.refreshOnce(ctx, subjectID, realm)
		if err != nil && errors.Is(err, storage.ErrConflict) && attempt == 0 {
			s.addMetric(func(m *instrumentation.Metrics) { m.ConflictRetries.Add(ctx, 1) })
			s.logger.Debug("Credential version conflict, retrying refresh cycle",
				"subject_id", subjectID, "realm", realm)
			continue
		}
		return lease, err
	}
}

func (s *Service) refreshOnce(ctx context.Context, subjectID, realm string) (*Lease, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.refresh_credential")
		defer span.End()
	}

	rec, err := s.loadCredential(ctx, subjectID, realm)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddCredentialAttributes(span, subjectID, realm, string(rec.Kind))
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrKeyVersion, int(rec.KeyVersion)))

	now := time.Now()
	if rec.Revoked() {
		s.audit(func(a *security.Auditor) { a.LogRefreshDenied(subjectID, realm, "credential_revoked") })
		instrumentation.SetSpanError(span, "credential revoked")
		return nil, fmt.Errorf("credential for %s/%s: %w", subjectID, realm, storage.ErrRevoked)
	}
	if rec.Expired(now) {
		// Sweep may not have caught it yet; revoke here so the state
		// converges either way.
		if revokeErr := s.store.Revoke(ctx, rec.SubjectID, rec.Realm, rec.Kind); revokeErr != nil {
			s.logger.Warn("Failed to revoke expired credential",
				"subject_id", subjectID, "realm", realm, "error", revokeErr)
		}
		s.audit(func(a *security.Auditor) { a.LogRefreshDenied(subjectID, realm, "credential_expired") })
		instrumentation.SetSpanError(span, "credential expired")
		return nil, fmt.Errorf("credential for %s/%s expired: %w", subjectID, realm, storage.ErrRevoked)
	}

	plaintext, err := s.keyring.Decrypt(rec.Ciphertext, rec.Nonce, rec.KeyVersion)
	if err != nil {
		s.audit(func(a *security.Auditor) {
			a.LogDecryptFailure(subjectID, realm, string(rec.Kind), rec.KeyVersion)
		})
		s.addMetric(func(m *instrumentation.Metrics) { m.DecryptionFailures.Add(ctx, 1) })
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("decrypt credential for %s/%s: %w", subjectID, realm, err)
	}

	tok, err := s.refreshWithRetry(ctx, plaintext)
	if err != nil {
		if providers.IsInvalidGrant(err) {
			// The provider has invalidated the stored credential;
			// keeping it active would just replay the same failure.
			s.revokeInvalidGrant(ctx, rec)
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("provider refresh for %s/%s: %w", subjectID, realm, err)
	}

	rotated := tok.RefreshToken != "" && tok.RefreshToken != plaintext
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, rotated))
	if rotated {
		if err := s.storeRotation(ctx, rec, tok.RefreshToken); err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
	}

	lease := &Lease{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.Expiry,
	}
	if lease.TokenType == "" {
		lease.TokenType = "Bearer"
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		lease.Scope = scope
	}

	if lease.Scope != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrScope, lease.Scope))
	}
	instrumentation.SetSpanSuccess(span)

	s.leases.Set(leaseKey(subjectID, realm), lease)
	s.addMetric(func(m *instrumentation.Metrics) { m.TokenRefreshed.Add(ctx, 1) })
	s.audit(func(a *security.Auditor) { a.LogTokenRefreshed(subjectID, realm, rotated) })
	s.logger.Debug("Access token refreshed",
		"subject_id", subjectID,
		"realm", realm,
		"kind", rec.Kind,
		"rotated", rotated,
		"expires_at", lease.ExpiresAt)

	return lease, nil
}

// loadCredential resolves the record backing a subject's realm access,
// preferring a standard refresh token over an offline one.
func (s *Service) loadCredential(ctx context.Context, subjectID, realm string) (*storage.VaultRecord, error) {
	rec, err := s.store.Get(ctx, subjectID, realm, storage.KindRefresh)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	rec, err = s.store.Get(ctx, subjectID, realm, storage.KindOffline)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("no credential stored for %s/%s: %w", subjectID, realm, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return rec, nil
}

// storeRotation re-encrypts the rotated refresh token and writes it back
// against the version the cycle read. A conflict bubbles up to the caller's
// single retry.
func (s *Service) storeRotation(ctx context.Context, rec *storage.VaultRecord, newToken string) error {
	ciphertext, nonce, keyVersion, err := s.keyring.Encrypt(newToken)
	if err != nil {
		return fmt.Errorf("encrypt rotated credential: %w", err)
	}
	s.addMetric(func(m *instrumentation.Metrics) { m.EncryptionOperationsTotal.Add(ctx, 1) })

	updated := rec.Clone()
	updated.Ciphertext = ciphertext
	updated.Nonce = nonce
	updated.KeyVersion = keyVersion
	updated.IssuedAt = time.Now()

	start := time.Now()
	_, err = s.store.Upsert(ctx, updated, rec.Version)
	s.recordStorageOp(ctx, "upsert", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("store rotated credential for %s/%s: %w", rec.SubjectID, rec.Realm, err)
	}
	return nil
}

// revokeInvalidGrant marks a credential revoked after the provider rejected
// its refresh token permanently.
func (s *Service) revokeInvalidGrant(ctx context.Context, rec *storage.VaultRecord) {
	if err := s.store.Revoke(ctx, rec.SubjectID, rec.Realm, rec.Kind); err != nil {
		s.logger.Error("Failed to revoke credential after invalid_grant",
			"subject_id", rec.SubjectID, "realm", rec.Realm, "error", err)
	}
	s.leases.Invalidate(leaseKey(rec.SubjectID, rec.Realm))
	s.addMetric(func(m *instrumentation.Metrics) { m.CredentialRevoked.Add(ctx, 1) })
	s.audit(func(a *security.Auditor) {
		a.LogProviderPermanentFailure(rec.SubjectID, rec.Realm, providers.ErrorCodeInvalidGrant)
		a.LogCredentialRevoked(rec.SubjectID, rec.Realm, string(rec.Kind), "invalid_grant")
	})
	s.logger.Warn("Credential revoked: provider rejected refresh token",
		"subject_id", rec.SubjectID,
		"realm", rec.Realm,
		"kind", rec.Kind)
}

// StoreCredentialOptions carries optional metadata for StoreCredential.
type StoreCredentialOptions struct {
	// ExpiresAt is the credential's upstream expiry; nil for offline
	// tokens without a fixed lifetime.
	ExpiresAt *time.Time
}

// StoreCredential encrypts and persists a refresh or offline token for the
// subject. Storing over an existing credential replaces it; storing over a
// revoked one starts a fresh record.
func (s *Service) StoreCredential(ctx context.Context, subjectID, realm string, kind storage.TokenKind, rawToken string, opts StoreCredentialOptions) error {
	if subjectID == "" || realm == "" {
		return errors.New("broker: subject and realm are required")
	}
	if !kind.Valid() {
		return fmt.Errorf("broker: unsupported token kind %q", kind)
	}
	if rawToken == "" {
		return errors.New("broker: token is empty")
	}

	ciphertext, nonce, keyVersion, err := s.keyring.Encrypt(rawToken)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	s.addMetric(func(m *instrumentation.Metrics) { m.EncryptionOperationsTotal.Add(ctx, 1) })

	rec := &storage.VaultRecord{
		SubjectID:  subjectID,
		Realm:      realm,
		Kind:       kind,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyVersion: keyVersion,
		IssuedAt:   time.Now(),
		ExpiresAt:  opts.ExpiresAt,
	}

	// A concurrent writer can change the record between read and write;
	// one re-read absorbs the common race.
	for attempt := 0; ; attempt++ {
		expectedVersion, err := s.storeTarget(ctx, subjectID, realm, kind)
		if err != nil {
			return err
		}

		start := time.Now()
		_, err = s.store.Upsert(ctx, rec, expectedVersion)
		s.recordStorageOp(ctx, "upsert", err, time.Since(start))
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrConflict) && attempt == 0 {
			continue
		}
		return fmt.Errorf("store credential for %s/%s: %w", subjectID, realm, err)
	}

	s.leases.Invalidate(leaseKey(subjectID, realm))
	s.audit(func(a *security.Auditor) { a.LogCredentialStored(subjectID, realm, string(kind)) })
	s.logger.Info("Credential stored",
		"subject_id", subjectID,
		"realm", realm,
		"kind", kind,
		"key_version", keyVersion)
	return nil
}

// storeTarget decides the expected version for a credential write, clearing
// a revoked predecessor so the new record starts a fresh version history.
func (s *Service) storeTarget(ctx context.Context, subjectID, realm string, kind storage.TokenKind) (int64, error) {
	existing, err := s.store.Get(ctx, subjectID, realm, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load existing credential: %w", err)
	}
	if existing.Revoked() {
		if err := s.store.Delete(ctx, subjectID, realm, kind); err != nil {
			return 0, fmt.Errorf("clear revoked credential: %w", err)
		}
		return 0, nil
	}
	return existing.Version, nil
}

// RevokeCredential revokes the stored credential in the vault, drops any
// cached lease, and makes a best-effort attempt to revoke the token upstream.
// The vault-side revocation is authoritative regardless of the upstream
// outcome.
func (s *Service) RevokeCredential(ctx context.Context, subjectID, realm string, kind storage.TokenKind, reason string) error {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.revoke_credential")
		defer span.End()
	}
	instrumentation.AddCredentialAttributes(span, subjectID, realm, string(kind))
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRevokeReason, reason))

	rec, err := s.store.Get(ctx, subjectID, realm, kind)
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("load credential: %w", err)
	}

	start := time.Now()
	err = s.store.Revoke(ctx, subjectID, realm, kind)
	s.recordStorageOp(ctx, "revoke", err, time.Since(start))
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("revoke credential for %s/%s: %w", subjectID, realm, err)
	}
	instrumentation.SetSpanSuccess(span)

	s.leases.Invalidate(leaseKey(subjectID, realm))
	s.addMetric(func(m *instrumentation.Metrics) { m.CredentialRevoked.Add(ctx, 1) })
	s.audit(func(a *security.Auditor) { a.LogCredentialRevoked(subjectID, realm, string(kind), reason) })

	if !rec.Revoked() {
		if plaintext, decErr := s.keyring.Decrypt(rec.Ciphertext, rec.Nonce, rec.KeyVersion); decErr == nil {
			callStart := time.Now()
			upErr := s.provider.RevokeUpstream(ctx, plaintext)
			s.recordProviderCall(ctx, "revoke", upErr, time.Since(callStart))
			if upErr != nil {
				s.logger.Warn("Upstream revocation failed",
					"subject_id", subjectID, "realm", realm, "error", upErr)
			}
		} else {
			s.logger.Warn("Skipping upstream revocation: credential undecryptable",
				"subject_id", subjectID, "realm", realm)
		}
	}

	s.logger.Info("Credential revoked",
		"subject_id", subjectID,
		"realm", realm,
		"kind", kind,
		"reason", reason)
	return nil
}

func (s *Service) recordStorageOp(ctx context.Context, operation string, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, storage.ErrConflict):
		result = "conflict"
	case errors.Is(err, storage.ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, operation, result, elapsed.Seconds())
}

func (s *Service) addMetric(fn func(*instrumentation.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

func (s *Service) audit(fn func(*security.Auditor)) {
	if s.auditor != nil {
		fn(s.auditor)
	}
}
