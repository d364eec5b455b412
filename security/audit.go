package security

import (
	"log/slog"
	"time"
)

// Auditor handles security event logging. Token values and subject
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	Realm     string
	SessionID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed subject identifiers
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"realm", event.Realm,
		"session_id", event.SessionID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCredentialStored logs when a credential is written to the vault
func (a *Auditor) LogCredentialStored(subjectID, realm, kind string) {
	a.LogEvent(Event{
		Type:      "credential_stored",
		SubjectID: subjectID,
		Realm:     realm,
		Details: map[string]any{
			"kind": kind,
		},
	})
}

// LogTokenRefreshed logs when an access token is obtained via refresh
func (a *Auditor) LogTokenRefreshed(subjectID, realm string, rotated bool) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		SubjectID: subjectID,
		Realm:     realm,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogCredentialRevoked logs when a credential is revoked in the vault
func (a *Auditor) LogCredentialRevoked(subjectID, realm, kind, reason string) {
	a.LogEvent(Event{
		Type:      "credential_revoked",
		SubjectID: subjectID,
		Realm:     realm,
		Details: map[string]any{
			"kind":   kind,
			"reason": reason,
		},
	})
}

// LogSessionRevoked logs when a session is revoked
func (a *Auditor) LogSessionRevoked(subjectID, sessionID, reason string, cascaded bool) {
	a.LogEvent(Event{
		Type:      "session_revoked",
		SubjectID: subjectID,
		SessionID: sessionID,
		Details: map[string]any{
			"reason":   reason,
			"cascaded": cascaded,
		},
	})
}

// LogDecryptFailure logs an integrity fault on a stored record.
// The record stays in the store for manual remediation, so this event is
// the primary signal that something needs attention.
func (a *Auditor) LogDecryptFailure(subjectID, realm, kind string, keyVersion uint32) {
	a.LogEvent(Event{
		Type:      "decrypt_failure",
		SubjectID: subjectID,
		Realm:     realm,
		Details: map[string]any{
			"kind":        kind,
			"key_version": keyVersion,
		},
	})
}

// LogRefreshDenied logs a refresh attempt against a revoked or missing credential
func (a *Auditor) LogRefreshDenied(subjectID, realm, reason string) {
	a.LogEvent(Event{
		Type:      "refresh_denied",
		SubjectID: subjectID,
		Realm:     realm,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogProviderPermanentFailure logs a non-retryable provider rejection
func (a *Auditor) LogProviderPermanentFailure(subjectID, realm, code string) {
	a.LogEvent(Event{
		Type:      "provider_permanent_failure",
		SubjectID: subjectID,
		Realm:     realm,
		Details: map[string]any{
			"code": code,
		},
	})
}

// hashForLogging hashes an identifier for log output. Empty input stays
// empty so absent fields remain recognizable.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	return Fingerprint(value)[:16]
}
