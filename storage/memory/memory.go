// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/authbridge/tokenvault/storage"
)

// Store is an in-memory implementation of storage.Store.
// All operations are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*storage.VaultRecord
	sessions map[string]*storage.Session
	logger   *slog.Logger
}

// New creates a new in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:  make(map[string]*storage.VaultRecord),
		sessions: make(map[string]*storage.Session),
		logger:   logger,
	}
}

func recordKey(subjectID, realm string, kind storage.TokenKind) string {
	return subjectID + "\x00" + realm + "\x00" + string(kind)
}

// Get retrieves a vault record by its unique key.
func (s *Store) Get(ctx context.Context, subjectID, realm string, kind storage.TokenKind) (*storage.VaultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey(subjectID, realm, kind)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return record.Clone(), nil
}

// Upsert writes a vault record with an optimistic-concurrency check.
func (s *Store) Upsert(ctx context.Context, record *storage.VaultRecord, expectedVersion int64) (*storage.VaultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("record is required")
	}
	if !record.Kind.Valid() {
		return nil, fmt.Errorf("invalid token kind %q", record.Kind)
	}
	if record.Ciphertext != "" && record.Nonce == "" {
		return nil, fmt.Errorf("ciphertext without nonce")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(record.SubjectID, record.Realm, record.Kind)
	existing, ok := s.records[key]

	if !ok {
		if expectedVersion != 0 {
			return nil, storage.ErrConflict
		}
		stored := record.Clone()
		stored.Version = 1
		s.records[key] = stored
		return stored.Clone(), nil
	}

	if existing.Version != expectedVersion {
		return nil, storage.ErrConflict
	}

	stored := record.Clone()
	stored.Version = existing.Version + 1
	// RevokedAt is sticky; a racing writer cannot resurrect a revoked record.
	if existing.RevokedAt != nil {
		stored.RevokedAt = existing.RevokedAt
	}
	s.records[key] = stored
	return stored.Clone(), nil
}

// Revoke marks a record revoked. Idempotent.
func (s *Store) Revoke(ctx context.Context, subjectID, realm string, kind storage.TokenKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordKey(subjectID, realm, kind)]
	if !ok {
		return storage.ErrNotFound
	}
	if record.RevokedAt == nil {
		now := time.Now()
		record.RevokedAt = &now
		record.Version++
	}
	return nil
}

// Delete removes a record entirely. Idempotent.
func (s *Store) Delete(ctx context.Context, subjectID, realm string, kind storage.TokenKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(subjectID, realm, kind))
	return nil
}

// ListRevokedBefore returns records revoked before the cutoff.
func (s *Store) ListRevokedBefore(ctx context.Context, cutoff time.Time) ([]*storage.VaultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.VaultRecord
	for _, record := range s.records {
		if record.RevokedAt != nil && record.RevokedAt.Before(cutoff) {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

// ListExpired returns unrevoked records past their expiry.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*storage.VaultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.VaultRecord
	for _, record := range s.records {
		if !record.Revoked() && record.Expired(now) {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

// ListKeyVersionsBelow returns unrevoked records with an older key version.
func (s *Store) ListKeyVersionsBelow(ctx context.Context, version uint32) ([]*storage.VaultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.VaultRecord
	for _, record := range s.records {
		if !record.Revoked() && record.KeyVersion < version {
			out = append(out, record.Clone())
		}
	}
	return out, nil
}

// PutSession creates or replaces a session.
func (s *Store) PutSession(ctx context.Context, session *storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil || session.ID == "" {
		return fmt.Errorf("session with an ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return session.Clone(), nil
}

// TouchSession updates LastUsedAt on an active session.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if session.Status != storage.SessionActive {
		return storage.ErrRevoked
	}
	session.LastUsedAt = at
	return nil
}

// UpdateSessionStatus transitions a session's status. Terminal states stick.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status storage.SessionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if session.Status != storage.SessionActive && status == storage.SessionActive {
		return storage.ErrRevoked
	}
	session.Status = status
	return nil
}

// ListActiveSessions returns all active sessions for a subject.
func (s *Store) ListActiveSessions(ctx context.Context, subjectID string) ([]*storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Session
	for _, session := range s.sessions {
		if session.SubjectID == subjectID && session.Status == storage.SessionActive {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

// ListIdleSessions returns active sessions idle since before the cutoff.
func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Session
	for _, session := range s.sessions {
		if session.Status == storage.SessionActive && session.LastUsedAt.Before(cutoff) {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

// CountActiveSessionsForCredential counts other active sessions sharing a credential.
func (s *Store) CountActiveSessionsForCredential(ctx context.Context, subjectID, realm string, kind storage.TokenKind, excludeSessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, session := range s.sessions {
		if session.ID == excludeSessionID {
			continue
		}
		if session.Status != storage.SessionActive {
			continue
		}
		if session.SubjectID == subjectID && session.Realm == realm && session.Kind == kind {
			count++
		}
	}
	return count, nil
}
