package app

import (
	"errors"
	"fmt"

	"vouch/cmd/security/seal"
	"vouch/cmd/security/token"
)

// Secrets holds the at-rest protection for TOTP secrets and recovery tokens.
type Secrets struct {
	Seal   *seal.Box
	Tokens token.Hasher
}

// LoadSecrets builds the seal box and token hasher under the configured policy.
// Startup fails rather than silently falling back to weaker storage.
func LoadSecrets(cfg Config) (Secrets, error) {
	box, err := seal.FromEnv(cfg.RequireSecretSeal)
	if err != nil {
		switch {
		case errors.Is(err, seal.ErrKeyMissing):
			return Secrets{}, fmt.Errorf("security policy: VOUCH_REQUIRE_SECRET_SEAL=true but %s is missing", seal.KeyEnvKey)
		case errors.Is(err, seal.ErrKeyInvalid):
			return Secrets{}, fmt.Errorf("security policy: %s is invalid (32 bytes, base64 or hex)", seal.KeyEnvKey)
		default:
			return Secrets{}, err
		}
	}

	hasher, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return Secrets{}, fmt.Errorf("security policy: VOUCH_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return Secrets{}, fmt.Errorf("security policy: %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
		default:
			return Secrets{}, err
		}
	}

	if cfg.RequireSecretSeal && !box.Enabled() {
		return Secrets{}, errors.New("security policy: secret sealing required but not enabled")
	}
	if cfg.RequireTokenHMAC && !hasher.Keyed() {
		return Secrets{}, errors.New("security policy: token HMAC required but hasher is not keyed")
	}

	return Secrets{Seal: box, Tokens: hasher}, nil
}

// ValidateSecurityConfig enforces the security policy at startup.
func ValidateSecurityConfig(cfg Config) error {
	_, err := LoadSecrets(cfg)
	return err
}
