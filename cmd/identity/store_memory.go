package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

// CreateAccount inserts a new account if the username is free.
func (s *MemoryStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.CreateAccount"

	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	in, err := in.validate(op)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[in.Username]; exists {
		return Account{}, ConflictError{Op: op, Field: "username"}
	}

	acct := Account{
		Username:     in.Username,
		TOTPSecret:   in.TOTPSecret,
		RecoveryHash: in.RecoveryHash,
		Theme:        ThemeLight,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}
	s.accounts[in.Username] = acct
	return acct, nil
}

// FindByUsername returns a copy of the stored account.
func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (Account, error) {
	const op = "identity.FindByUsername"

	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[NormalizeUsername(username)]
	if !ok {
		return Account{}, NotFoundError{Op: op, Resource: "account"}
	}
	return acct, nil
}

// UpdateTheme sets the theme for an existing account.
func (s *MemoryStore) UpdateTheme(ctx context.Context, username string, theme Theme, now time.Time) error {
	const op = "identity.UpdateTheme"

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := ParseTheme(string(theme)); !ok {
		return invalid(op, "invalid theme")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeUsername(username)
	acct, ok := s.accounts[key]
	if !ok {
		return NotFoundError{Op: op, Resource: "account"}
	}
	acct.Theme = theme
	acct.UpdatedAt = now.UTC()
	s.accounts[key] = acct
	return nil
}

// RotateCredentials swaps secret and digest if the stored digest still matches.
func (s *MemoryStore) RotateCredentials(ctx context.Context, in RotateCredentialsInput) error {
	const op = "identity.RotateCredentials"

	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := in.validate(op)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[in.Username]
	if !ok || acct.RecoveryHash != in.OldRecoveryHash {
		return staleRotate()
	}
	acct.TOTPSecret = in.NewTOTPSecret
	acct.RecoveryHash = in.NewRecoveryHash
	acct.UpdatedAt = in.Now
	s.accounts[in.Username] = acct
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
