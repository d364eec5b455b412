package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual sensitive values (access tokens, refresh
// tokens, encryption keys, client secrets) into traces or metrics. Only record
// metadata such as token kinds, expiry times, key versions, and result codes.
// Traces are persisted, replicated, and visible to wider audiences than the
// vault itself.
const (
	// Vault attributes - SAFE for metadata only
	AttrSubjectID    = "vault.subject_id"       // Subject identifier (non-secret)
	AttrRealm        = "vault.realm"            // Realm the credential belongs to
	AttrTokenKind    = "vault.token.kind"       //nolint:gosec // refresh or offline - NOT the token
	AttrTokenRotated = "vault.token.rotated"    //nolint:gosec // Whether the provider rotated the refresh token (boolean)
	AttrKeyVersion   = "vault.key_version"      // Encryption key version of the record
	AttrLeaseHit     = "vault.lease.hit"        // Whether the lease cache served the request (boolean)
	AttrDeduplicated = "vault.refresh.deduped"  // Whether the caller joined an in-flight refresh (boolean)
	AttrSessionID    = "vault.session_id"       // Session identifier
	AttrScope        = "vault.scope"            // Token scope metadata
	AttrExpiresIn    = "vault.expires_in"       // Access token lifetime in seconds
	AttrRevokeReason = "vault.revoke.reason"    // Why a credential or session was revoked
	AttrForceRevoke  = "vault.revoke.force"     // Whether session revocation forced credential revocation
	AttrSweepPhase   = "vault.sweep.phase"      // Sweeper phase (expiry, sessions, reencrypt, purge)

	// Storage attributes (metric dimensions)
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderResult    = "provider.result"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddCredentialAttributes adds credential identity attributes to a span (nil-safe)
func AddCredentialAttributes(span trace.Span, subjectID, realm, kind string) {
	if subjectID != "" {
		SetSpanAttributes(span, attribute.String(AttrSubjectID, subjectID))
	}
	if realm != "" {
		SetSpanAttributes(span, attribute.String(AttrRealm, realm))
	}
	if kind != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenKind, kind))
	}
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}
