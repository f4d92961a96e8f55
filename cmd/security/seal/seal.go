// Package seal encrypts small secrets at rest with XChaCha20-Poly1305.
//
// Sealed values are text: "xc1:" followed by base64url(nonce || ciphertext).
// A Box without a key passes plaintext through unchanged (dev mode) and
// refuses to open sealed values.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyEnvKey is the env var holding the sealing key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnvKey = "VOUCH_SECRET_SEAL_KEY"

	prefix = "xc1:"
)

var (
	ErrKeyMissing   = errors.New("seal key missing")
	ErrKeyInvalid   = errors.New("seal key must be 32 bytes (base64 or hex)")
	ErrKeyRequired  = errors.New("sealed value but no seal key configured")
	ErrMalformed    = errors.New("malformed sealed value")
	ErrAuthenticate = errors.New("sealed value failed authentication")
)

// Box seals and opens values. The zero value is a pass-through box.
type Box struct {
	aead cipher.AEAD
}

// New returns a Box for a 32-byte key. An empty key yields a pass-through box.
func New(key []byte) (*Box, error) {
	if len(key) == 0 {
		return &Box{}, nil
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}
	return &Box{aead: aead}, nil
}

// ParseKey decodes a key given as base64 (std or url, padded or not) or hex.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrKeyMissing
	}
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, dec := range decoders {
		if b, err := dec(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, ErrKeyInvalid
}

// FromEnv builds a Box from VOUCH_SECRET_SEAL_KEY.
// With require the key must be present.
func FromEnv(require bool) (*Box, error) {
	raw := os.Getenv(KeyEnvKey)
	if strings.TrimSpace(raw) == "" {
		if require {
			return nil, ErrKeyMissing
		}
		return &Box{}, nil
	}
	key, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Enabled reports whether the box encrypts.
func (b *Box) Enabled() bool { return b != nil && b.aead != nil }

// Seal encrypts plain bound to ad (for example the owning username).
func (b *Box) Seal(plain string, ad []byte) (string, error) {
	if !b.Enabled() {
		return plain, nil
	}
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plain)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plain), ad)
	return prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Unsealed input is returned as-is so dev data stays readable.
func (b *Box) Open(stored string, ad []byte) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	if !b.Enabled() {
		return "", ErrKeyRequired
	}
	raw, err := base64.RawURLEncoding.DecodeString(stored[len(prefix):])
	if err != nil {
		return "", ErrMalformed
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns+b.aead.Overhead() {
		return "", ErrMalformed
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], ad)
	if err != nil {
		return "", ErrAuthenticate
	}
	return string(plain), nil
}
