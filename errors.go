package tokenvault

import (
	"errors"
	"fmt"

	"github.com/authbridge/tokenvault/providers"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
)

// Error codes returned by the caller-facing operations.
const (
	ErrorCodeNoCredential     = "no_credential"
	ErrorCodeRevoked          = "revoked"
	ErrorCodeConflict         = "conflict"
	ErrorCodeDecryptionFailed = "decryption_failed"
	ErrorCodeProviderError    = "provider_error"
	ErrorCodeInvalidRequest   = "invalid_request"
)

// VaultError is the error type surfaced to callers. Code is stable and
// machine-readable; Description is for humans and never contains token
// material or key bytes.
type VaultError struct {
	Code        string
	Description string
	err         error
}

// Error implements the error interface
func (e *VaultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *VaultError) Unwrap() error {
	return e.err
}

// NewVaultError creates a new vault error wrapping cause.
func NewVaultError(code, description string, cause error) *VaultError {
	return &VaultError{Code: code, Description: description, err: cause}
}

// Classify maps internal errors onto a VaultError with a stable code.
// Errors that already carry a code pass through unchanged.
func Classify(err error) *VaultError {
	if err == nil {
		return nil
	}

	var ve *VaultError
	if errors.As(err, &ve) {
		return ve
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewVaultError(ErrorCodeNoCredential, "no stored credential for subject", err)
	case errors.Is(err, storage.ErrRevoked):
		return NewVaultError(ErrorCodeRevoked, "credential has been revoked", err)
	case errors.Is(err, storage.ErrConflict):
		return NewVaultError(ErrorCodeConflict, "concurrent update lost the version race", err)
	case errors.Is(err, security.ErrDecryption):
		return NewVaultError(ErrorCodeDecryptionFailed, "stored credential could not be decrypted", err)
	}

	var pe *providers.Error
	if errors.As(err, &pe) {
		return NewVaultError(ErrorCodeProviderError, "identity provider rejected the request", err)
	}

	return NewVaultError(ErrorCodeProviderError, "token operation failed", err)
}
