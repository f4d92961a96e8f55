package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vouch/cmd/identity"
	"vouch/cmd/internal/metrics"
	"vouch/cmd/internal/presence"
	"vouch/cmd/security/otp"
	"vouch/cmd/security/seal"
	"vouch/cmd/security/token"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Log      *slog.Logger
	Accounts identity.Store
	Presence presence.Registry
	OTP      *otp.Authenticator
	Seal     *seal.Box
	Tokens   token.Hasher
	Metrics  *metrics.Metrics

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Service owns shared dependencies and hands out per-connection Sessions.
// It is safe for concurrent use.
type Service struct {
	cfg      Config
	log      *slog.Logger
	accounts identity.Store
	presence presence.Registry
	otp      *otp.Authenticator
	seal     *seal.Box
	tokens   token.Hasher
	metrics  *metrics.Metrics
	now      func() time.Time
	throttle *Throttle

	// Used for comparisons against unknown usernames.
	dummySecret string
	dummyDigest string
}

// Enrollment is what a client needs to set up (or re-set up) an authenticator.
type Enrollment struct {
	URI           string
	RecoveryToken string
}

// LoginResult describes a freshly authenticated session.
type LoginResult struct {
	Username string
	Theme    identity.Theme
}

// NewService validates deps and builds a Service.
func NewService(cfg Config, d Deps) (*Service, error) {
	if d.Accounts == nil || d.Presence == nil || d.OTP == nil {
		return nil, errors.New("session: accounts, presence and otp are required")
	}
	if cfg.PendingTTL <= 0 {
		return nil, ErrConfig
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Seal == nil {
		d.Seal = &seal.Box{}
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}

	dummy, err := d.OTP.GenerateSecret("dummy")
	if err != nil {
		return nil, err
	}
	dummyToken, err := token.NewRecoveryToken()
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:         cfg,
		log:         d.Log,
		accounts:    d.Accounts,
		presence:    d.Presence,
		otp:         d.OTP,
		seal:        d.Seal,
		tokens:      d.Tokens,
		metrics:     d.Metrics,
		now:         d.Now,
		throttle:    NewThrottle(cfg.LoginMaxFailures, cfg.LoginFailureWindow, cfg.LockoutTiers).WithMaxKeys(cfg.ThrottleMaxKeys),
		dummySecret: dummy.Secret,
		dummyDigest: d.Tokens.Hash(dummyToken),
	}, nil
}

// NewSession returns an anonymous session bound to connID.
func (s *Service) NewSession(connID string) *Session {
	return &Session{svc: s, connID: connID, state: anonymous{}}
}

// Ping checks the account store and presence registry.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.accounts.Ping(ctx); err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	if err := s.presence.Ping(ctx); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	return nil
}

func (s *Service) enroll(username string) (otp.Enrollment, string, error) {
	enr, err := s.otp.GenerateSecret(username)
	if err != nil {
		return otp.Enrollment{}, "", fmt.Errorf("session: generate secret: %w", err)
	}
	recovery, err := token.NewRecoveryToken()
	if err != nil {
		return otp.Enrollment{}, "", fmt.Errorf("session: recovery token: %w", err)
	}
	return enr, recovery, nil
}

func (s *Service) verifyStored(acct identity.Account, code string, now time.Time) (bool, error) {
	secret, err := s.seal.Open(acct.TOTPSecret, []byte(acct.Username))
	if err != nil {
		return false, fmt.Errorf("session: open secret: %w", err)
	}
	return s.otp.Verify(secret, code, now), nil
}

func throttleKey(op, username string) string { return op + ":" + username }

// failAttempt counts a failure against key. Names no account can hold are
// not tracked.
func (s *Service) failAttempt(username, key string, now time.Time) {
	if !identity.ValidUsername(username) {
		return
	}
	s.throttle.Fail(key, now)
}
