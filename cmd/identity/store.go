package identity

import (
	"context"
	"strings"
	"time"
)

// Theme is a UI preference persisted with the account.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ParseTheme accepts exactly "light" or "dark".
func ParseTheme(s string) (Theme, bool) {
	switch Theme(strings.TrimSpace(s)) {
	case ThemeLight:
		return ThemeLight, true
	case ThemeDark:
		return ThemeDark, true
	default:
		return "", false
	}
}

// Account is a registered chat identity.
// IMPORTANT: RecoveryHash is a digest; the plain recovery token is never stored.
// TOTPSecret is stored exactly as handed over (sealed in production).
type Account struct {
	Username     string
	TOTPSecret   string
	RecoveryHash string
	Theme        Theme

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateAccountInput persists a confirmed registration.
type CreateAccountInput struct {
	Username     string
	TOTPSecret   string
	RecoveryHash string
	Now          time.Time
}

// RotateCredentialsInput replaces secret and recovery digest together.
// The update applies only if the stored digest still equals OldRecoveryHash.
type RotateCredentialsInput struct {
	Username        string
	OldRecoveryHash string
	NewTOTPSecret   string
	NewRecoveryHash string
	Now             time.Time
}

// Store is the account persistence boundary.
type Store interface {
	// CreateAccount inserts a new account. A taken username yields ConflictError{Field: "username"}.
	CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error)

	// FindByUsername returns the account or NotFoundError.
	FindByUsername(ctx context.Context, username string) (Account, error)

	// UpdateTheme persists a theme for an existing account.
	UpdateTheme(ctx context.Context, username string, theme Theme, now time.Time) error

	// RotateCredentials is a single conditional update; ErrStale when nothing matched.
	RotateCredentials(ctx context.Context, in RotateCredentialsInput) error

	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}

func (in CreateAccountInput) validate(op string) (CreateAccountInput, error) {
	in.Username = NormalizeUsername(in.Username)
	if !ValidUsername(in.Username) {
		return in, invalid(op, "invalid username")
	}
	if strings.TrimSpace(in.TOTPSecret) == "" {
		return in, invalid(op, "missing totp secret")
	}
	if strings.TrimSpace(in.RecoveryHash) == "" {
		return in, invalid(op, "missing recovery digest")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	in.Now = in.Now.UTC()
	return in, nil
}

func (in RotateCredentialsInput) validate(op string) (RotateCredentialsInput, error) {
	in.Username = NormalizeUsername(in.Username)
	if in.Username == "" {
		return in, invalid(op, "missing username")
	}
	if in.OldRecoveryHash == "" || in.NewRecoveryHash == "" {
		return in, invalid(op, "missing recovery digest")
	}
	if strings.TrimSpace(in.NewTOTPSecret) == "" {
		return in, invalid(op, "missing totp secret")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	in.Now = in.Now.UTC()
	return in, nil
}
