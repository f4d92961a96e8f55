package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// PendingTTL bounds how long an unconfirmed registration stays usable.
	PendingTTL time.Duration

	// Login throttle, keyed by username. Tiers are evaluated most severe first.
	LoginMaxFailures   int
	LoginFailureWindow time.Duration
	LockoutTiers       []LockoutTier

	// ThrottleMaxKeys caps the usernames the login throttle remembers.
	ThrottleMaxKeys int

	// RequireHMAC refuses to start without VOUCH_TOKEN_HMAC_KEY.
	RequireHMAC bool
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		PendingTTL:         10 * time.Minute,
		LoginMaxFailures:   5,
		LoginFailureWindow: 15 * time.Minute,
		LockoutTiers: []LockoutTier{
			{Threshold: 20, Duration: 2 * time.Hour},
			{Threshold: 10, Duration: 30 * time.Minute},
		},
		ThrottleMaxKeys: DefaultThrottleMaxKeys,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - VOUCH_PENDING_REGISTRATION_TTL
//   - VOUCH_LOGIN_MAX_FAILURES
//   - VOUCH_LOGIN_FAILURE_WINDOW
//   - VOUCH_LOGIN_THROTTLE_MAX_KEYS
//   - VOUCH_REQUIRE_TOKEN_HMAC
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("VOUCH_PENDING_REGISTRATION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.PendingTTL = d
	}

	if v := os.Getenv("VOUCH_LOGIN_MAX_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.LoginMaxFailures = n
	}

	if v := os.Getenv("VOUCH_LOGIN_FAILURE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.LoginFailureWindow = d
	}

	if v := os.Getenv("VOUCH_LOGIN_THROTTLE_MAX_KEYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.ThrottleMaxKeys = n
	}

	if v := os.Getenv("VOUCH_REQUIRE_TOKEN_HMAC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RequireHMAC = b
	}

	// Lockout tiers must stay above the window threshold or they never apply.
	for _, tier := range cfg.LockoutTiers {
		if cfg.LoginMaxFailures > 0 && tier.Threshold <= cfg.LoginMaxFailures {
			return Config{}, ErrConfig
		}
	}

	return cfg, nil
}
