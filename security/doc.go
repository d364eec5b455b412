// Package security provides the cryptographic core of the token vault:
// authenticated encryption of credential material with versioned keys,
// token fingerprinting for safe logging, audit event logging, and
// per-identifier rate limiting.
//
// # Encryption
//
// Stored tokens are encrypted with AES-256-GCM. The Keyring holds one or
// more 32-byte keys identified by a numeric version; new ciphertext is
// always produced under the current version while older versions remain
// readable until re-encryption migrates the records that reference them.
// Nonces are 96-bit values drawn from crypto/rand, generated fresh for
// every Encrypt call and stored alongside the ciphertext.
//
// Key material is loaded once at startup and never appears in logs or
// error messages. When something needs to be correlated in logs, use
// Fingerprint, which yields a SHA-256 digest of the value.
package security
