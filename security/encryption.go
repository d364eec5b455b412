package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrDecryption reports an authentication-tag mismatch or an unknown key
// version. It is deliberately opaque: the message never includes key bytes,
// ciphertext, or plaintext.
var ErrDecryption = errors.New("decryption failed")

// Keyring encrypts and decrypts token material using AES-256-GCM with
// versioned keys. New ciphertext always uses the current version; any
// version present in the ring can still be decrypted, which is what makes
// non-disruptive key rotation possible.
type Keyring struct {
	keys    map[uint32][]byte
	current uint32
}

// NewKeyring creates a keyring from explicit per-version keys.
// Every key must be exactly 32 bytes, and current must name one of them.
func NewKeyring(keys map[uint32][]byte, current uint32) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring requires at least one key")
	}
	ring := make(map[uint32][]byte, len(keys))
	for version, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key version %d must be exactly %d bytes for AES-256, got %d", version, KeySize, len(key))
		}
		ring[version] = append([]byte(nil), key...)
	}
	if _, ok := ring[current]; !ok {
		return nil, fmt.Errorf("current key version %d is not present in the keyring", current)
	}
	return &Keyring{keys: ring, current: current}, nil
}

// DeriveKeyring derives version keys from a master secret with HKDF-SHA256.
// Versions 1 through current are derived, so records written under earlier
// versions remain readable after the current version is bumped.
func DeriveKeyring(masterSecret []byte, current uint32) (*Keyring, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is required")
	}
	if current == 0 {
		return nil, fmt.Errorf("current key version must be at least 1")
	}

	keys := make(map[uint32][]byte, current)
	for version := uint32(1); version <= current; version++ {
		info := fmt.Sprintf("tokenvault-key-v%d", version)
		r := hkdf.New(sha256.New, masterSecret, nil, []byte(info))
		key := make([]byte, KeySize)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive key version %d: %w", version, err)
		}
		keys[version] = key
	}
	return &Keyring{keys: keys, current: current}, nil
}

// CurrentVersion returns the version used for new encryptions.
func (k *Keyring) CurrentVersion() uint32 {
	return k.current
}

// HasVersion reports whether the ring can decrypt the given version.
func (k *Keyring) HasVersion(version uint32) bool {
	_, ok := k.keys[version]
	return ok
}

// Encrypt encrypts plaintext under the current key version.
// Returns base64-encoded ciphertext and nonce plus the version used.
func (k *Keyring) Encrypt(plaintext string) (ciphertext, nonce string, version uint32, err error) {
	gcm, err := k.aead(k.current)
	if err != nil {
		return "", "", 0, err
	}

	rawNonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, rawNonce); err != nil {
		return "", "", 0, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, rawNonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(rawNonce),
		k.current, nil
}

// Decrypt decrypts ciphertext produced by Encrypt under the given version.
// Returns ErrDecryption for unknown versions, malformed input, or an
// authentication failure.
func (k *Keyring) Decrypt(ciphertext, nonce string, version uint32) (string, error) {
	if !k.HasVersion(version) {
		return "", fmt.Errorf("unknown key version %d: %w", version, ErrDecryption)
	}

	gcm, err := k.aead(version)
	if err != nil {
		return "", err
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext encoding: %w", ErrDecryption)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("malformed nonce encoding: %w", ErrDecryption)
	}
	if len(rawNonce) != gcm.NonceSize() {
		return "", fmt.Errorf("nonce has wrong length: %w", ErrDecryption)
	}

	plaintext, err := gcm.Open(nil, rawNonce, rawCiphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

func (k *Keyring) aead(version uint32) (cipher.AEAD, error) {
	key, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("unknown key version %d: %w", version, ErrDecryption)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Fingerprint returns the hex SHA-256 digest of a token or identifier,
// suitable for logs and audit events where the value itself must not appear.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
