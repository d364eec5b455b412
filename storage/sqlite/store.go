// Package sqlite provides a durable SQLite-backed implementation of the
// storage interfaces, suitable for single-node deployments where the vault
// must survive restarts. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/authbridge/tokenvault/storage"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS vault_records (
	subject_id   TEXT NOT NULL,
	realm        TEXT NOT NULL,
	kind         TEXT NOT NULL,
	ciphertext   TEXT NOT NULL,
	nonce        TEXT NOT NULL,
	key_version  INTEGER NOT NULL,
	issued_at    INTEGER NOT NULL,
	expires_at   INTEGER,
	revoked_at   INTEGER,
	version      INTEGER NOT NULL,
	PRIMARY KEY (subject_id, realm, kind)
);
CREATE INDEX IF NOT EXISTS vault_records_expires_at_idx ON vault_records (expires_at);
CREATE INDEX IF NOT EXISTS vault_records_key_version_idx ON vault_records (key_version);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	realm        TEXT NOT NULL,
	kind         TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL,
	status       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_subject_id_idx ON sessions (subject_id, status);
CREATE INDEX IF NOT EXISTS sessions_last_used_at_idx ON sessions (last_used_at);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides SQLite-backed persistence for vault records and sessions.
type Store struct {
	sqlDB *sql.DB
}

// DB returns the underlying sql.DB instance.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// dsnPragmas carries per-connection settings in the form the modernc.org
// driver understands; the mattn-style "_journal_mode=..." params are
// silently ignored by it. journal_mode, busy_timeout and synchronous must
// ride the DSN so every pooled connection gets them — busy_timeout in
// particular makes a writer wait out a concurrent writer's lock instead of
// failing immediately with SQLITE_BUSY.
const dsnPragmas = "?_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=synchronous(NORMAL)"

// Open opens a SQLite store at the provided path and bootstraps the schema.
// Use ":memory:" for an ephemeral database in tests. The path is placed in
// the DSN verbatim; the driver treats everything after '?' as parameters,
// so paths containing '?' are not supported.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path + dsnPragmas
	if path == ":memory:" {
		// WAL and busy_timeout are meaningless for a private in-memory
		// database; keep the DSN plain.
		dsn = path
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func scanRecord(row interface{ Scan(...any) error }) (*storage.VaultRecord, error) {
	var rec storage.VaultRecord
	var kind string
	var issuedAt int64
	var expiresAt, revokedAt sql.NullInt64

	err := row.Scan(
		&rec.SubjectID,
		&rec.Realm,
		&kind,
		&rec.Ciphertext,
		&rec.Nonce,
		&rec.KeyVersion,
		&issuedAt,
		&expiresAt,
		&revokedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = storage.TokenKind(kind)
	rec.IssuedAt = fromMillis(issuedAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		rec.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := fromMillis(revokedAt.Int64)
		rec.RevokedAt = &t
	}
	return &rec, nil
}

const recordColumns = `subject_id, realm, kind, ciphertext, nonce, key_version, issued_at, expires_at, revoked_at, version`

// Get retrieves a vault record by its unique key.
func (s *Store) Get(ctx context.Context, subjectID, realm string, kind storage.TokenKind) (*storage.VaultRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM vault_records
WHERE subject_id = ? AND realm = ? AND kind = ?
`, subjectID, realm, string(kind))

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get vault record: %w", err)
	}
	return rec, nil
}

// Upsert writes a vault record with an optimistic-concurrency check.
// expectedVersion 0 means create; a mismatch returns storage.ErrConflict.
func (s *Store) Upsert(ctx context.Context, record *storage.VaultRecord, expectedVersion int64) (*storage.VaultRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("record is required")
	}
	if !record.Kind.Valid() {
		return nil, fmt.Errorf("invalid token kind %q", record.Kind)
	}
	if record.Ciphertext != "" && record.Nonce == "" {
		return nil, fmt.Errorf("ciphertext without nonce")
	}

	var expiresAt any
	if record.ExpiresAt != nil {
		expiresAt = toMillis(*record.ExpiresAt)
	}

	if expectedVersion == 0 {
		_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO vault_records (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)
`,
			record.SubjectID,
			record.Realm,
			string(record.Kind),
			record.Ciphertext,
			record.Nonce,
			record.KeyVersion,
			toMillis(record.IssuedAt),
			expiresAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, storage.ErrConflict
			}
			return nil, fmt.Errorf("insert vault record: %w", err)
		}
		return s.Get(ctx, record.SubjectID, record.Realm, record.Kind)
	}

	// RevokedAt is deliberately not in the SET list: once set it never clears.
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE vault_records
SET ciphertext = ?, nonce = ?, key_version = ?, issued_at = ?, expires_at = ?, version = version + 1
WHERE subject_id = ? AND realm = ? AND kind = ? AND version = ?
`,
		record.Ciphertext,
		record.Nonce,
		record.KeyVersion,
		toMillis(record.IssuedAt),
		expiresAt,
		record.SubjectID,
		record.Realm,
		string(record.Kind),
		expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update vault record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update vault record: %w", err)
	}
	if affected == 0 {
		return nil, storage.ErrConflict
	}
	return s.Get(ctx, record.SubjectID, record.Realm, record.Kind)
}

// Revoke marks a record revoked. Idempotent.
func (s *Store) Revoke(ctx context.Context, subjectID, realm string, kind storage.TokenKind) error {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE vault_records
SET revoked_at = COALESCE(revoked_at, ?), version = version + 1
WHERE subject_id = ? AND realm = ? AND kind = ?
`, toMillis(time.Now()), subjectID, realm, string(kind))
	if err != nil {
		return fmt.Errorf("revoke vault record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke vault record: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a record entirely. Idempotent.
func (s *Store) Delete(ctx context.Context, subjectID, realm string, kind storage.TokenKind) error {
	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM vault_records
WHERE subject_id = ? AND realm = ? AND kind = ?
`, subjectID, realm, string(kind))
	if err != nil {
		return fmt.Errorf("delete vault record: %w", err)
	}
	return nil
}

// ListRevokedBefore returns records revoked before the cutoff.
func (s *Store) ListRevokedBefore(ctx context.Context, cutoff time.Time) ([]*storage.VaultRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM vault_records
WHERE revoked_at IS NOT NULL AND revoked_at < ?
`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list revoked records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListExpired returns unrevoked records past their expiry.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*storage.VaultRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM vault_records
WHERE revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?
`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list expired records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListKeyVersionsBelow returns unrevoked records with an older key version.
func (s *Store) ListKeyVersionsBelow(ctx context.Context, version uint32) ([]*storage.VaultRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM vault_records
WHERE revoked_at IS NULL AND key_version < ?
`, version)
	if err != nil {
		return nil, fmt.Errorf("list stale key versions: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*storage.VaultRecord, error) {
	var out []*storage.VaultRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault records: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text;
	// matching on the SQLite message keeps the driver import surface small.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
