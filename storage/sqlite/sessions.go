package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/authbridge/tokenvault/storage"
)

const sessionColumns = `id, subject_id, realm, kind, created_at, last_used_at, status`

func scanSession(row interface{ Scan(...any) error }) (*storage.Session, error) {
	var sess storage.Session
	var kind, status string
	var createdAt, lastUsedAt int64

	err := row.Scan(&sess.ID, &sess.SubjectID, &sess.Realm, &kind, &createdAt, &lastUsedAt, &status)
	if err != nil {
		return nil, err
	}

	sess.Kind = storage.TokenKind(kind)
	sess.Status = storage.SessionStatus(status)
	sess.CreatedAt = fromMillis(createdAt)
	sess.LastUsedAt = fromMillis(lastUsedAt)
	return &sess, nil
}

// PutSession creates or replaces a session.
func (s *Store) PutSession(ctx context.Context, session *storage.Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session with an ID is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	subject_id = excluded.subject_id,
	realm = excluded.realm,
	kind = excluded.kind,
	last_used_at = excluded.last_used_at,
	status = excluded.status
`,
		session.ID,
		session.SubjectID,
		session.Realm,
		string(session.Kind),
		toMillis(session.CreatedAt),
		toMillis(session.LastUsedAt),
		string(session.Status),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE id = ?
`, sessionID)

	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// TouchSession updates LastUsedAt on an active session.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET last_used_at = ?
WHERE id = ? AND status = ?
`, toMillis(at), sessionID, string(storage.SessionActive))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if affected == 0 {
		// Distinguish missing from inactive for the caller.
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return storage.ErrRevoked
	}
	return nil
}

// UpdateSessionStatus transitions a session's status. Terminal states stick.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status storage.SessionStatus) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != storage.SessionActive && status == storage.SessionActive {
		return storage.ErrRevoked
	}

	_, err = s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET status = ? WHERE id = ?
`, string(status), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// ListActiveSessions returns all active sessions for a subject.
func (s *Store) ListActiveSessions(ctx context.Context, subjectID string) ([]*storage.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE subject_id = ? AND status = ?
`, subjectID, string(storage.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListIdleSessions returns active sessions idle since before the cutoff.
func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*storage.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE status = ? AND last_used_at < ?
`, string(storage.SessionActive), toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// CountActiveSessionsForCredential counts other active sessions sharing a credential.
func (s *Store) CountActiveSessionsForCredential(ctx context.Context, subjectID, realm string, kind storage.TokenKind, excludeSessionID string) (int, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM sessions
WHERE subject_id = ? AND realm = ? AND kind = ? AND status = ? AND id != ?
`, subjectID, realm, string(kind), string(storage.SessionActive), excludeSessionID)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions for credential: %w", err)
	}
	return count, nil
}

func collectSessions(rows *sql.Rows) ([]*storage.Session, error) {
	var out []*storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
