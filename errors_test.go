package tokenvault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/authbridge/tokenvault/providers"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not found", fmt.Errorf("load: %w", storage.ErrNotFound), ErrorCodeNoCredential},
		{"revoked", fmt.Errorf("refresh: %w", storage.ErrRevoked), ErrorCodeRevoked},
		{"conflict", fmt.Errorf("upsert: %w", storage.ErrConflict), ErrorCodeConflict},
		{"decryption", fmt.Errorf("decrypt: %w", security.ErrDecryption), ErrorCodeDecryptionFailed},
		{
			"provider error",
			fmt.Errorf("refresh: %w", providers.NewError(providers.ErrorCodeInvalidGrant, 400, false, errors.New("bad"))),
			ErrorCodeProviderError,
		},
		{"unknown", errors.New("something else"), ErrorCodeProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ve := Classify(tt.err)
			if ve == nil {
				t.Fatal("Classify() = nil")
			}
			if ve.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", ve.Code, tt.wantCode)
			}
			if ve.Unwrap() == nil {
				t.Error("classified error lost its cause")
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassify_PassesThroughVaultError(t *testing.T) {
	orig := NewVaultError(ErrorCodeInvalidRequest, "bad input", nil)
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	if got != orig {
		t.Errorf("Classify() = %v, want the original VaultError", got)
	}
}

func TestVaultError_Message(t *testing.T) {
	err := NewVaultError(ErrorCodeRevoked, "credential has been revoked", storage.ErrRevoked)
	want := "revoked: credential has been revoked"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, storage.ErrRevoked) {
		t.Error("errors.Is through Unwrap failed")
	}
}
