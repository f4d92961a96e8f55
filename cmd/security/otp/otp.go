package otp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	potp "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// DefaultIssuer labels provisioning URIs when no issuer is configured.
	DefaultIssuer = "Vouch"

	// Period is the TOTP step in seconds.
	Period = 30

	// Digits is the code length.
	Digits = 6

	// SecretBytes is the raw secret size (160 bits).
	SecretBytes = 20

	// DefaultSkew accepts the previous and next period.
	DefaultSkew = 1

	maxSkew = 10
)

var (
	// ErrEmptyLabel is returned when an enrollment has no account label.
	ErrEmptyLabel = errors.New("otp: empty account label")
	// ErrInvalidSecret is returned for secrets that are not valid base32.
	ErrInvalidSecret = errors.New("otp: invalid secret")
)

// Enrollment is freshly generated TOTP material.
type Enrollment struct {
	// Secret is the base32 shared secret.
	Secret string
	// URI is the otpauth:// provisioning URI for authenticator apps.
	URI string
}

// Config controls issuance and verification.
type Config struct {
	Issuer string
	Skew   uint
}

// Authenticator generates secrets and checks codes.
// It is stateless and safe for concurrent use.
type Authenticator struct {
	issuer string
	skew   uint
}

// New returns an Authenticator with normalized config.
func New(cfg Config) *Authenticator {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	skew := cfg.Skew
	if skew > maxSkew {
		skew = maxSkew
	}
	return &Authenticator{issuer: issuer, skew: skew}
}

// Issuer returns the issuer embedded in provisioning URIs.
func (a *Authenticator) Issuer() string { return a.issuer }

// GenerateSecret creates a new secret for label and its provisioning URI.
func (a *Authenticator) GenerateSecret(label string) (Enrollment, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Enrollment{}, ErrEmptyLabel
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.issuer,
		AccountName: label,
		Period:      Period,
		SecretSize:  SecretBytes,
		Digits:      potp.DigitsSix,
		Algorithm:   potp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("otp: generate: %w", err)
	}

	return Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// Verify reports whether code is valid for secret at now, within the skew window.
// Malformed codes are rejected before any HMAC work.
func (a *Authenticator) Verify(secret, code string, now time.Time) bool {
	if !wellFormed(code) || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), a.validateOpts())
	if err != nil {
		return false
	}
	return ok
}

// Code derives the code for secret at t.
func (a *Authenticator) Code(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t.UTC(), a.validateOpts())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return code, nil
}

// SecretFromURI extracts the base32 secret from a provisioning URI.
func SecretFromURI(uri string) (string, error) {
	key, err := potp.NewKeyFromURL(strings.TrimSpace(uri))
	if err != nil {
		return "", fmt.Errorf("otp: parse uri: %w", err)
	}
	if key.Type() != "totp" || key.Secret() == "" {
		return "", ErrInvalidSecret
	}
	return key.Secret(), nil
}

func (a *Authenticator) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      a.skew,
		Digits:    potp.DigitsSix,
		Algorithm: potp.AlgorithmSHA1,
	}
}

func wellFormed(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
