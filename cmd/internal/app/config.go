package app

import (
	"time"

	"vouch/cmd/internal/chat"
	"vouch/cmd/internal/realtime"
	"vouch/cmd/security/otp"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Postgres backs accounts and messages when set; it wins over Mongo.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBMigrate   bool

	MongoURI string
	MongoDB  string

	// Redis backs the presence registry and cross-instance fanout when set.
	RedisURL     string
	RedisChannel string
	PresenceTTL  time.Duration

	TOTPIssuer string
	TOTPSkew   int

	HistoryLimit      int
	RetentionAge      time.Duration
	RetentionInterval time.Duration
	MaxPayloadBytes   int64

	// If true:
	// - /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool

	// Security policy: fail startup unless the key is configured.
	RequireSecretSeal bool
	RequireTokenHMAC  bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VOUCH_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VOUCH_LOG_LEVEL", "info"),
		LogFormat: EnvString("VOUCH_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("VOUCH_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VOUCH_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VOUCH_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VOUCH_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("VOUCH_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("VOUCH_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("VOUCH_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("VOUCH_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("VOUCH_DB_MIGRATE", true),

		MongoURI: EnvString("VOUCH_MONGO_URI", ""),
		MongoDB:  EnvString("VOUCH_MONGO_DB", "vouch"),

		RedisURL:     EnvString("VOUCH_REDIS_URL", ""),
		RedisChannel: EnvString("VOUCH_REDIS_CHANNEL", realtime.DefaultFanoutChannel),
		PresenceTTL:  EnvDuration("VOUCH_PRESENCE_TTL", 90*time.Second),

		TOTPIssuer: EnvString("VOUCH_TOTP_ISSUER", otp.DefaultIssuer),
		TOTPSkew:   EnvInt("VOUCH_TOTP_SKEW", otp.DefaultSkew),

		HistoryLimit:      EnvInt("VOUCH_HISTORY_LIMIT", 100),
		RetentionAge:      EnvDuration("VOUCH_RETENTION_AGE", chat.DefaultRetentionAge),
		RetentionInterval: EnvDuration("VOUCH_RETENTION_INTERVAL", chat.DefaultRetentionInterval),
		MaxPayloadBytes:   EnvInt64("VOUCH_MAX_PAYLOAD_BYTES", chat.DefaultMaxFileBytes),

		ReadinessRequireDB: EnvBool("VOUCH_READINESS_REQUIRE_DB", false),

		RequireSecretSeal: EnvBool("VOUCH_REQUIRE_SECRET_SEAL", false),
		RequireTokenHMAC:  EnvBool("VOUCH_REQUIRE_TOKEN_HMAC", false),
	}
}

// durable reports whether accounts and messages survive a restart.
func (c Config) durable() bool {
	return c.DatabaseURL != "" || c.MongoURI != ""
}
