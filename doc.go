// Package tokenvault is an embeddable credential vault and access-token
// broker for OAuth2/OIDC identity providers.
//
// It stores long-lived refresh and offline tokens encrypted at rest
// (AES-256-GCM with versioned keys), exchanges them for short-lived access
// tokens on demand, deduplicates concurrent refreshes per credential, and
// tracks sessions with revocation that cascades to credentials according to
// a configurable sharing policy. A background sweeper expires stale records
// and sessions and migrates ciphertext to the current key version.
//
// Basic usage:
//
//	cfg, err := tokenvault.ConfigFromEnv()
//	if err != nil {
//		log.Fatal(err)
//	}
//	vault, err := tokenvault.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vault.Close()
//
//	err = vault.StoreCredential(ctx, "alice", "main", storage.KindRefresh,
//		refreshToken, broker.StoreCredentialOptions{})
//	lease, err := vault.GetAccessToken(ctx, "alice", "main")
//
// Errors surfaced by the facade are *VaultError values with stable codes
// (no_credential, revoked, conflict, decryption_failed, provider_error,
// invalid_request); the underlying sentinels remain reachable through
// errors.Is.
package tokenvault
