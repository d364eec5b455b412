// Package broker orchestrates access-token issuance on top of the vault.
//
// The Service resolves a subject's stored refresh or offline credential,
// decrypts it, exchanges it at the identity provider for a short-lived access
// token, and hands the caller a Lease. Concurrent requests for the same
// subject and realm are collapsed into a single provider refresh; results are
// cached until shortly before expiry so the provider only sees one refresh
// per token lifetime.
//
// The broker also owns the session registry (sessions reference credentials,
// with a configurable sharing policy that decides when revoking a session
// cascades into revoking the backing credential) and the background sweeper
// that expires stale records, idles out sessions, and migrates records to the
// current encryption key version.
package broker
