// Package storage defines the persistence interfaces of the token vault:
// encrypted credential records keyed by subject, realm, and token kind, and
// the sessions that reference them.
//
// The VaultStore interface uses optimistic concurrency: every record
// carries a monotonic version, and Upsert rejects writes whose expected
// version is stale. This is the defense-in-depth layer beneath the broker's
// per-key coordination: even if two writers race past the lock, only one
// write lands.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/sqlite: durable single-node storage on SQLite
package storage
