package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "VOUCH_TOKEN_HMAC_KEY"

	// RecoveryTokenBytes is the entropy of a recovery token.
	RecoveryTokenBytes = 32

	// MinHMACKeyBytes is the minimum accepted key size in keyed mode.
	MinHMACKeyBytes = 32
)

// NewRecoveryToken returns a random base64url (no padding) token.
// 32 bytes encode to 43 characters.
func NewRecoveryToken() (string, error) {
	b := make([]byte, RecoveryTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandom, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// Hasher digests recovery tokens for storage.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a keyed hasher. An empty key selects dev mode.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	k := make([]byte, len(key))
	copy(k, key)
	return Hasher{key: k}
}

// HasherFromEnv builds a Hasher from VOUCH_TOKEN_HMAC_KEY.
// With requireHMAC the key must be present and at least MinHMACKeyBytes long.
func HasherFromEnv(requireHMAC bool) (Hasher, error) {
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	switch {
	case err == nil:
		return NewHasher(key), nil
	case requireHMAC:
		return Hasher{}, err
	case errors.Is(err, ErrHMACKeyTooShort):
		// A short key is a misconfiguration even in dev mode.
		return Hasher{}, err
	default:
		return Hasher{}, nil
	}
}

// Keyed reports whether the hasher uses HMAC.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the storage digest of token.
func (h Hasher) Hash(token string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(token)
	}
	return HashHMACSHA256Hex(token, h.key)
}

// Matches reports whether token digests to storedHex, in constant time.
func (h Hasher) Matches(token, storedHex string) bool {
	got := h.Hash(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHex)) == 1
}
