package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authbridge/tokenvault/instrumentation"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
)

// CreateSession registers a new active session referencing the subject's
// credential for the realm and kind.
func (s *Service) CreateSession(ctx context.Context, subjectID, realm string, kind storage.TokenKind) (*storage.Session, error) {
	if subjectID == "" || realm == "" {
		return nil, errors.New("broker: subject and realm are required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("broker: unsupported token kind %q", kind)
	}

	now := time.Now()
	sess := &storage.Session{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		Realm:      realm,
		Kind:       kind,
		CreatedAt:  now,
		LastUsedAt: now,
		Status:     storage.SessionActive,
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.addMetric(func(m *instrumentation.Metrics) { m.SessionsCreated.Add(ctx, 1) })
	s.logger.Info("Session created",
		"session_id", sess.ID,
		"subject_id", subjectID,
		"realm", realm,
		"kind", kind)
	return sess.Clone(), nil
}

// GetSession returns the session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// TouchSession marks the session as used now, keeping it out of the
// sweeper's idle cutoff.
func (s *Service) TouchSession(ctx context.Context, sessionID string) error {
	if err := s.store.TouchSession(ctx, sessionID, time.Now()); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListActiveSessions returns the subject's active sessions.
func (s *Service) ListActiveSessions(ctx context.Context, subjectID string) ([]*storage.Session, error) {
	sessions, err := s.store.ListActiveSessions(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// RevokeSession revokes a session. Whether the backing credential is revoked
// too depends on the sharing policy: under shared credentials the credential
// survives while other active sessions still reference it; force always
// cascades. Revoking an already-terminal session is a no-op.
func (s *Service) RevokeSession(ctx context.Context, sessionID string, force bool) error {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.revoke_session")
		defer span.End()
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrSessionID, sessionID),
		attribute.Bool(instrumentation.AttrForceRevoke, force),
	)

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status != storage.SessionActive {
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	if err := s.store.UpdateSessionStatus(ctx, sessionID, storage.SessionRevoked); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("revoke session: %w", err)
	}
	instrumentation.SetSpanSuccess(span)

	cascaded, err := s.cascadeCredentialRevocation(ctx, sess, force, "session_revoked")
	if err != nil {
		// The session itself is revoked; a cascade failure is surfaced
		// but does not undo that.
		s.logger.Error("Credential cascade after session revocation failed",
			"session_id", sessionID, "error", err)
	}

	s.addMetric(func(m *instrumentation.Metrics) { m.SessionsRevoked.Add(ctx, 1) })
	s.audit(func(a *security.Auditor) {
		a.LogSessionRevoked(sess.SubjectID, sessionID, "revoked", cascaded)
	})
	s.logger.Info("Session revoked",
		"session_id", sessionID,
		"subject_id", sess.SubjectID,
		"cascaded", cascaded,
		"force", force)
	return err
}

// cascadeCredentialRevocation revokes the session's backing credential when
// the sharing policy says no other active session still needs it. Returns
// whether the credential was revoked.
func (s *Service) cascadeCredentialRevocation(ctx context.Context, sess *storage.Session, force bool, reason string) (bool, error) {
	if !force && s.opts.Sharing == SharingShared {
		count, err := s.store.CountActiveSessionsForCredential(ctx, sess.SubjectID, sess.Realm, sess.Kind, sess.ID)
		if err != nil {
			return false, fmt.Errorf("count credential references: %w", err)
		}
		if count > 0 {
			s.logger.Debug("Credential kept: still referenced by active sessions",
				"subject_id", sess.SubjectID,
				"realm", sess.Realm,
				"remaining", count)
			return false, nil
		}
	}

	err := s.RevokeCredential(ctx, sess.SubjectID, sess.Realm, sess.Kind, reason)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
