package app

import (
	"strings"
	"testing"

	"vouch/cmd/security/seal"
	"vouch/cmd/security/token"
)

func TestLoadSecrets_DevDefaults(t *testing.T) {
	t.Setenv(seal.KeyEnvKey, "")
	t.Setenv(token.HMACEnvKey, "")

	s, err := LoadSecrets(Config{})
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.Seal.Enabled() || s.Tokens.Keyed() {
		t.Fatalf("expected pass-through seal and unkeyed hasher in dev mode")
	}
}

func TestLoadSecrets_Configured(t *testing.T) {
	t.Setenv(seal.KeyEnvKey, strings.Repeat("ab", 32))
	t.Setenv(token.HMACEnvKey, strings.Repeat("k", 32))

	s, err := LoadSecrets(Config{RequireSecretSeal: true, RequireTokenHMAC: true})
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if !s.Seal.Enabled() || !s.Tokens.Keyed() {
		t.Fatalf("expected sealing and keyed hashing")
	}
}

func TestValidateSecurityConfig_Policy(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		sealKey string
		hmacKey string
		wantErr string
	}{
		{name: "seal required missing", cfg: Config{RequireSecretSeal: true}, wantErr: "VOUCH_REQUIRE_SECRET_SEAL"},
		{name: "seal key invalid", sealKey: "short", wantErr: seal.KeyEnvKey},
		{name: "hmac required missing", cfg: Config{RequireTokenHMAC: true}, wantErr: "VOUCH_REQUIRE_TOKEN_HMAC"},
		{name: "hmac key short", hmacKey: "tiny", wantErr: "too short"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(seal.KeyEnvKey, tc.sealKey)
			t.Setenv(token.HMACEnvKey, tc.hmacKey)

			err := ValidateSecurityConfig(tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
