package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vouch/cmd/identity"
)

// State names the variant a Session is in.
type State int

const (
	StateAnonymous State = iota
	StateRegistrationPending
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateRegistrationPending:
		return "registration_pending"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

type state interface{ kind() State }

type anonymous struct{}

type registrationPending struct {
	username      string
	secret        string
	recoveryToken string
	startedAt     time.Time
}

type authenticated struct {
	username string
	theme    identity.Theme
}

func (anonymous) kind() State           { return StateAnonymous }
func (registrationPending) kind() State { return StateRegistrationPending }
func (authenticated) kind() State       { return StateAuthenticated }

// Session is the authentication state of one connection.
//
// Calls are expected from the connection's read loop; the mutex only guards
// against Disconnect racing a late handler.
type Session struct {
	svc    *Service
	connID string

	mu    sync.Mutex
	state state
}

// ConnID returns the connection id the session was created for.
func (ss *Session) ConnID() string { return ss.connID }

// State returns the current variant.
func (ss *Session) State() State {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.kind()
}

// Username returns the bound username, or "" unless authenticated.
func (ss *Session) Username() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if a, ok := ss.state.(authenticated); ok {
		return a.username
	}
	return ""
}

// Authenticated reports whether the session is logged in.
func (ss *Session) Authenticated() bool { return ss.State() == StateAuthenticated }

// BeginRegistration starts (or restarts) enrollment for username.
func (ss *Session) BeginRegistration(ctx context.Context, username string) (Enrollment, error) {
	s := ss.svc
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, ok := ss.state.(authenticated); ok {
		return Enrollment{}, ErrAlreadyAuthenticated
	}

	username = identity.NormalizeUsername(username)
	if !identity.ValidUsername(username) {
		s.metrics.Auth("register", "invalid_username")
		return Enrollment{}, ErrInvalidUsername
	}

	_, err := s.accounts.FindByUsername(ctx, username)
	switch {
	case err == nil:
		s.metrics.Auth("register", "taken")
		return Enrollment{}, ErrUsernameTaken
	case identity.IsNotFound(err):
	default:
		return Enrollment{}, fmt.Errorf("session: register lookup: %w", err)
	}

	enr, recovery, err := s.enroll(username)
	if err != nil {
		return Enrollment{}, err
	}

	ss.state = registrationPending{
		username:      username,
		secret:        enr.Secret,
		recoveryToken: recovery,
		startedAt:     s.now(),
	}
	s.metrics.Auth("register", "pending")
	s.log.Info("session.register.pending", "conn_id", ss.connID, "username", username)

	return Enrollment{URI: enr.URI, RecoveryToken: recovery}, nil
}

// ConfirmRegistration persists the pending account if code matches its secret.
// It returns the registered username; the session returns to anonymous.
func (ss *Session) ConfirmRegistration(ctx context.Context, code string) (string, error) {
	s := ss.svc
	ss.mu.Lock()
	defer ss.mu.Unlock()

	p, ok := ss.state.(registrationPending)
	if !ok {
		return "", ErrNoPendingRegistration
	}

	now := s.now()
	if now.Sub(p.startedAt) > s.cfg.PendingTTL {
		ss.state = anonymous{}
		s.metrics.Auth("register_confirm", "expired")
		return "", ErrNoPendingRegistration
	}

	if !s.otp.Verify(p.secret, code, now) {
		s.metrics.Auth("register_confirm", "invalid_code")
		return "", ErrInvalidCode
	}

	sealed, err := s.seal.Seal(p.secret, []byte(p.username))
	if err != nil {
		return "", fmt.Errorf("session: seal secret: %w", err)
	}

	_, err = s.accounts.CreateAccount(ctx, identity.CreateAccountInput{
		Username:     p.username,
		TOTPSecret:   sealed,
		RecoveryHash: s.tokens.Hash(p.recoveryToken),
		Now:          now,
	})
	if err != nil {
		if identity.IsConflict(err) {
			ss.state = anonymous{}
			s.metrics.Auth("register_confirm", "taken")
			return "", ErrUsernameTaken
		}
		return "", fmt.Errorf("session: create account: %w", err)
	}

	ss.state = anonymous{}
	s.metrics.Auth("register_confirm", "ok")
	s.log.Info("session.register.ok", "conn_id", ss.connID, "username", p.username)
	return p.username, nil
}

// Login authenticates the session. join runs after the presence reservation and
// before the session is marked authenticated; if it fails the reservation is
// released and the session stays where it was.
func (ss *Session) Login(ctx context.Context, username, code string, join func(ctx context.Context, res LoginResult) error) (LoginResult, error) {
	s := ss.svc
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, ok := ss.state.(authenticated); ok {
		return LoginResult{}, ErrAlreadyAuthenticated
	}

	username = identity.NormalizeUsername(username)
	now := s.now()
	key := throttleKey("login", username)

	if blocked, retry := s.throttle.Check(key, now); blocked {
		s.metrics.Auth("login", "throttled")
		s.log.Warn("session.login.rate_limited", "conn_id", ss.connID, "username", username, "retry_after_s", int64(retry.Seconds()))
		return LoginResult{}, ErrTooManyAttempts
	}

	acct, err := s.accounts.FindByUsername(ctx, username)
	if err != nil {
		if !identity.IsNotFound(err) && !identity.IsInvalidInput(err) {
			return LoginResult{}, fmt.Errorf("session: login lookup: %w", err)
		}
		_ = s.otp.Verify(s.dummySecret, code, now)
		s.failAttempt(username, key, now)
		s.loginFailed(ss.connID, username, CodeUserNotFound)
		return LoginResult{}, ErrUserNotFound
	}

	ok, err := s.verifyStored(acct, code, now)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		s.throttle.Fail(key, now)
		s.loginFailed(ss.connID, username, CodeInvalidCode)
		return LoginResult{}, ErrInvalidCode
	}

	reserved, err := s.presence.Reserve(ctx, acct.Username, ss.connID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("session: reserve presence: %w", err)
	}
	if !reserved {
		s.loginFailed(ss.connID, username, CodeAlreadyConnected)
		return LoginResult{}, ErrAlreadyConnected
	}

	res := LoginResult{Username: acct.Username, Theme: acct.Theme}
	if join != nil {
		if err := join(ctx, res); err != nil {
			s.release(ss.connID, acct.Username)
			return LoginResult{}, fmt.Errorf("session: join: %w", err)
		}
	}

	// Any pending registration is discarded on login.
	ss.state = authenticated{username: acct.Username, theme: acct.Theme}
	s.throttle.Reset(key)
	s.metrics.Auth("login", "ok")
	s.metrics.SessionAuthenticated()
	s.log.Info("session.login.ok", "conn_id", ss.connID, "username", acct.Username)
	return res, nil
}

// Recover rotates the account's secret and recovery token. It never
// authenticates the session and leaves the current state untouched.
func (ss *Session) Recover(ctx context.Context, username, recoveryToken string) (Enrollment, error) {
	s := ss.svc
	username = identity.NormalizeUsername(username)
	now := s.now()
	key := throttleKey("recover", username)

	if blocked, _ := s.throttle.Check(key, now); blocked {
		s.metrics.Auth("recover", "throttled")
		return Enrollment{}, ErrTooManyAttempts
	}

	fail := func(reason string) (Enrollment, error) {
		s.failAttempt(username, key, now)
		s.metrics.Auth("recover", reason)
		s.log.Warn("session.recover.fail", "conn_id", ss.connID, "username", username, "reason", reason)
		return Enrollment{}, ErrRecoveryFailed
	}

	acct, err := s.accounts.FindByUsername(ctx, username)
	if err != nil {
		if !identity.IsNotFound(err) && !identity.IsInvalidInput(err) {
			return Enrollment{}, fmt.Errorf("session: recover lookup: %w", err)
		}
		_ = s.tokens.Matches(recoveryToken, s.dummyDigest)
		return fail("unknown_user")
	}

	if recoveryToken == "" || !s.tokens.Matches(recoveryToken, acct.RecoveryHash) {
		return fail("mismatch")
	}

	enr, recovery, err := s.enroll(acct.Username)
	if err != nil {
		return Enrollment{}, err
	}
	sealed, err := s.seal.Seal(enr.Secret, []byte(acct.Username))
	if err != nil {
		return Enrollment{}, fmt.Errorf("session: seal secret: %w", err)
	}

	err = s.accounts.RotateCredentials(ctx, identity.RotateCredentialsInput{
		Username:        acct.Username,
		OldRecoveryHash: acct.RecoveryHash,
		NewTOTPSecret:   sealed,
		NewRecoveryHash: s.tokens.Hash(recovery),
		Now:             now,
	})
	if err != nil {
		if identity.IsStale(err) || identity.IsNotFound(err) {
			return fail("stale")
		}
		return Enrollment{}, fmt.Errorf("session: rotate credentials: %w", err)
	}

	s.throttle.Reset(key)
	s.metrics.Auth("recover", "ok")
	s.log.Info("session.recover.ok", "conn_id", ss.connID, "username", acct.Username)
	return Enrollment{URI: enr.URI, RecoveryToken: recovery}, nil
}

// SetTheme persists a theme for the logged-in user. Unauthenticated sessions and
// unknown theme values are no-ops reported as changed=false.
func (ss *Session) SetTheme(ctx context.Context, raw string) (identity.Theme, bool, error) {
	s := ss.svc
	ss.mu.Lock()
	defer ss.mu.Unlock()

	a, ok := ss.state.(authenticated)
	if !ok {
		return "", false, nil
	}
	theme, ok := identity.ParseTheme(raw)
	if !ok {
		return "", false, nil
	}

	if err := s.accounts.UpdateTheme(ctx, a.username, theme, s.now()); err != nil {
		return "", false, fmt.Errorf("session: update theme: %w", err)
	}
	a.theme = theme
	ss.state = a
	return theme, true, nil
}

// RefreshPresence extends the presence lease of an authenticated session.
// It reports false if the lease was lost to another connection.
func (ss *Session) RefreshPresence(ctx context.Context) (bool, error) {
	s := ss.svc
	username := ss.Username()
	if username == "" {
		return true, nil
	}
	return s.presence.Refresh(ctx, username, ss.connID)
}

// Disconnect releases presence and discards pending state. It returns the
// username that was bound, if any. Safe to call more than once.
func (ss *Session) Disconnect(ctx context.Context) (string, bool) {
	s := ss.svc
	ss.mu.Lock()
	prev := ss.state
	ss.state = anonymous{}
	ss.mu.Unlock()

	a, ok := prev.(authenticated)
	if !ok {
		return "", false
	}

	if err := s.presence.Release(ctx, a.username, ss.connID); err != nil {
		s.log.Error("session.presence.release.fail", "conn_id", ss.connID, "username", a.username, "err", err)
	}
	s.metrics.SessionEnded()
	s.log.Info("session.logout", "conn_id", ss.connID, "username", a.username)
	return a.username, true
}

func (s *Service) release(connID, username string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.presence.Release(ctx, username, connID); err != nil {
		s.log.Error("session.presence.release.fail", "conn_id", connID, "username", username, "err", err)
	}
}

func (s *Service) loginFailed(connID, username string, code Code) {
	s.metrics.Auth("login", string(code))
	s.log.Warn("session.login.fail", "conn_id", connID, "username", username, "reason", string(code))
}
