package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all storage backends.
var (
	// ErrNotFound indicates the requested record or session does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates an optimistic-concurrency failure: the stored
	// version no longer matches the version the writer read.
	ErrConflict = errors.New("version conflict")

	// ErrRevoked indicates the record exists but has been revoked.
	ErrRevoked = errors.New("record revoked")
)

// TokenKind distinguishes the credential types held in the vault.
type TokenKind string

const (
	// KindRefresh is a standard rotating refresh token.
	KindRefresh TokenKind = "refresh"

	// KindOffline is a Keycloak-style offline token with no fixed expiry.
	KindOffline TokenKind = "offline"
)

// Valid reports whether the kind is one of the supported values.
func (k TokenKind) Valid() bool {
	return k == KindRefresh || k == KindOffline
}

// VaultRecord is an encrypted credential at rest. The plaintext token never
// leaves the encryption boundary; stores only ever see ciphertext.
//
// Records are uniquely keyed by (SubjectID, Realm, Kind). Version starts at
// 1 on create and increments on every successful write.
type VaultRecord struct {
	SubjectID  string
	Realm      string
	Kind       TokenKind
	Ciphertext string
	Nonce      string
	KeyVersion uint32
	IssuedAt   time.Time
	ExpiresAt  *time.Time // nil for offline tokens without fixed expiry
	RevokedAt  *time.Time // set once, never cleared
	Version    int64
}

// Revoked reports whether the record has been revoked.
func (r *VaultRecord) Revoked() bool {
	return r.RevokedAt != nil
}

// Expired reports whether the record is past its expiry at the given time.
// Records without an expiry never expire.
func (r *VaultRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *VaultRecord) Clone() *VaultRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionRevoked SessionStatus = "revoked"
	SessionExpired SessionStatus = "expired"
)

// Session represents one active authentication session. Sessions reference
// vault credentials through (SubjectID, Realm, Kind); whether a credential
// is shared across a subject's sessions or owned per session is a broker
// policy, not a storage concern.
type Session struct {
	ID         string
	SubjectID  string
	Realm      string
	Kind       TokenKind
	CreatedAt  time.Time
	LastUsedAt time.Time
	Status     SessionStatus
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// VaultStore persists encrypted credential records with per-record
// optimistic concurrency. All writes are atomic at record granularity.
type VaultStore interface {
	// Get retrieves a record by its unique key.
	// Returns ErrNotFound if no record exists.
	Get(ctx context.Context, subjectID, realm string, kind TokenKind) (*VaultRecord, error)

	// Upsert writes a record. expectedVersion 0 requires that no record
	// exists yet (create); otherwise it must match the stored version or
	// ErrConflict is returned. On success the stored record is returned
	// with its version incremented.
	Upsert(ctx context.Context, record *VaultRecord, expectedVersion int64) (*VaultRecord, error)

	// Revoke sets RevokedAt on the record. Idempotent: revoking an
	// already-revoked record is not an error. Returns ErrNotFound if no
	// record exists.
	Revoke(ctx context.Context, subjectID, realm string, kind TokenKind) error

	// Delete removes a record entirely. Used when a subject re-stores a
	// credential over a revoked one, and by the sweeper to purge revoked
	// records past retention. Deleting a missing record is not an error.
	Delete(ctx context.Context, subjectID, realm string, kind TokenKind) error

	// ListRevokedBefore returns records revoked before the cutoff.
	ListRevokedBefore(ctx context.Context, cutoff time.Time) ([]*VaultRecord, error)

	// ListExpired returns records past their expiry at the given time that
	// are not yet revoked. Offline records without expiry are never listed.
	ListExpired(ctx context.Context, now time.Time) ([]*VaultRecord, error)

	// ListKeyVersionsBelow returns non-revoked records encrypted under a
	// key version lower than the given one, for lazy re-encryption.
	ListKeyVersionsBelow(ctx context.Context, version uint32) ([]*VaultRecord, error)
}

// SessionStore persists session lifecycle state.
type SessionStore interface {
	// PutSession creates or replaces a session.
	PutSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID.
	// Returns ErrNotFound if no session exists.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// TouchSession updates LastUsedAt on an active session.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// UpdateSessionStatus transitions a session's status. Terminal states
	// are sticky: a revoked session never becomes active again.
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error

	// ListActiveSessions returns all active sessions for a subject.
	ListActiveSessions(ctx context.Context, subjectID string) ([]*Session, error)

	// ListIdleSessions returns active sessions whose LastUsedAt is before
	// the cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// CountActiveSessionsForCredential counts active sessions referencing
	// the credential key, excluding the given session ID. Used for
	// reference-counted cascade revocation.
	CountActiveSessionsForCredential(ctx context.Context, subjectID, realm string, kind TokenKind, excludeSessionID string) (int, error)
}

// Store combines both persistence interfaces; backends implement it on a
// single type so one handle can be passed around.
type Store interface {
	VaultStore
	SessionStore
}
