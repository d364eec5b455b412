package tokenvault

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/authbridge/tokenvault/providers/mock"
	"github.com/authbridge/tokenvault/security"
)

func validTestConfig(t *testing.T) Config {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return Config{
		Encryption: EncryptionConfig{
			Keys:           map[uint32]string{1: security.KeyToBase64(key)},
			CurrentVersion: 1,
		},
		IdentityProvider: mock.NewMockProvider(),
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{
			"no key material",
			func(c *Config) { c.Encryption = EncryptionConfig{CurrentVersion: 1} },
			true,
		},
		{
			"zero current version",
			func(c *Config) { c.Encryption.CurrentVersion = 0 },
			true,
		},
		{
			"current version missing from keys",
			func(c *Config) { c.Encryption.CurrentVersion = 2 },
			true,
		},
		{
			"master secret instead of keys",
			func(c *Config) {
				c.Encryption.Keys = nil
				c.Encryption.MasterSecret = base64.StdEncoding.EncodeToString([]byte("some-master-secret"))
			},
			false,
		},
		{
			"unknown sharing policy",
			func(c *Config) { c.Sessions.Sharing = "everyone" },
			true,
		},
		{
			"no provider at all",
			func(c *Config) { c.IdentityProvider = nil },
			true,
		},
		{
			"keycloak config instead of provider",
			func(c *Config) {
				c.IdentityProvider = nil
				c.Keycloak = KeycloakConfig{
					ServerURL:    "https://auth.example.com",
					Realm:        "main",
					ClientID:     "vault",
					ClientSecret: "secret",
				}
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	t.Setenv("TOKENVAULT_ENCRYPTION_KEYS", "1:"+security.KeyToBase64(key))
	t.Setenv("TOKENVAULT_ENCRYPTION_CURRENT_VERSION", "1")
	t.Setenv("TOKENVAULT_KEYCLOAK_SERVER_URL", "https://auth.example.com")
	t.Setenv("TOKENVAULT_KEYCLOAK_REALM", "main")
	t.Setenv("TOKENVAULT_KEYCLOAK_CLIENT_ID", "vault")
	t.Setenv("TOKENVAULT_KEYCLOAK_CLIENT_SECRET", "secret")
	t.Setenv("TOKENVAULT_LEASE_SAFETY_MARGIN", "45s")
	t.Setenv("TOKENVAULT_SESSION_SHARING", "per-session")
	t.Setenv("TOKENVAULT_SWEEP_ENABLED", "false")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Keycloak.Realm != "main" {
		t.Errorf("Keycloak.Realm = %q", cfg.Keycloak.Realm)
	}
	if cfg.Leases.SafetyMargin != 45*time.Second {
		t.Errorf("Leases.SafetyMargin = %v, want 45s", cfg.Leases.SafetyMargin)
	}
	if cfg.Sessions.Sharing != "per-session" {
		t.Errorf("Sessions.Sharing = %q", cfg.Sessions.Sharing)
	}
	if cfg.Sweep.Enabled {
		t.Error("Sweep.Enabled = true, want false")
	}
	// Defaults fill unset sections
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want default 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Introspection.CacheTTL != time.Minute {
		t.Errorf("Introspection.CacheTTL = %v, want default 1m", cfg.Introspection.CacheTTL)
	}
	if !cfg.EnableAuditLogging {
		t.Error("EnableAuditLogging = false, want default true")
	}
}

func TestBuildKeyring_ExplicitKeysWinOverMasterSecret(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.Encryption.MasterSecret = base64.StdEncoding.EncodeToString([]byte("ignored"))

	kr, err := cfg.buildKeyring()
	if err != nil {
		t.Fatalf("buildKeyring() error = %v", err)
	}
	if kr.CurrentVersion() != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", kr.CurrentVersion())
	}
}

func TestBuildKeyring_MasterSecretDerivesAllVersions(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.Encryption.Keys = nil
	cfg.Encryption.MasterSecret = base64.StdEncoding.EncodeToString([]byte("the-master-secret"))
	cfg.Encryption.CurrentVersion = 3

	kr, err := cfg.buildKeyring()
	if err != nil {
		t.Fatalf("buildKeyring() error = %v", err)
	}
	for v := uint32(1); v <= 3; v++ {
		if !kr.HasVersion(v) {
			t.Errorf("HasVersion(%d) = false", v)
		}
	}

	// Same secret, same keys: ciphertext from one keyring decrypts on a
	// rebuilt one
	ciphertext, nonce, version, err := kr.Encrypt("credential")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	again, err := cfg.buildKeyring()
	if err != nil {
		t.Fatalf("second buildKeyring() error = %v", err)
	}
	plaintext, err := again.Decrypt(ciphertext, nonce, version)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "credential" {
		t.Errorf("Decrypt() = %q, want credential", plaintext)
	}
}

func TestBuildKeyring_BadMaterial(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.Encryption.Keys = map[uint32]string{1: "not base64!!!"}
	if _, err := cfg.buildKeyring(); err == nil {
		t.Error("buildKeyring() with bad key succeeded")
	}

	cfg = validTestConfig(t)
	cfg.Encryption.Keys = nil
	cfg.Encryption.MasterSecret = "not base64!!!"
	if _, err := cfg.buildKeyring(); err == nil {
		t.Error("buildKeyring() with bad master secret succeeded")
	}
}
