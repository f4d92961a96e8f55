// Package app wires the Vouch server runtime: config, logging, storage backends,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"vouch/cmd/identity"
	"vouch/cmd/internal/auth/session"
	"vouch/cmd/internal/chat"
	"vouch/cmd/internal/metrics"
	"vouch/cmd/internal/presence"
	"vouch/cmd/internal/realtime"
	"vouch/cmd/security/otp"
)

const startupTimeout = 15 * time.Second

// App is the Vouch server runtime: it owns backend lifecycles, the chat and
// session services, and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	backends *backends
	metrics  *metrics.Metrics
	chat     *chat.Service
	sessions *session.Service
	ws       *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	secrets, err := LoadSecrets(cfg)
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	gwCfg, err := realtime.LoadGatewayConfig()
	if err != nil {
		return nil, err
	}
	if cfg.RedisURL != "" && cfg.PresenceTTL <= gwCfg.HeartbeatInterval {
		return nil, fmt.Errorf("config: VOUCH_PRESENCE_TTL (%s) must exceed the heartbeat interval (%s)", cfg.PresenceTTL, gwCfg.HeartbeatInterval)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(ctx, cfg, log, b, secrets, sessCfg, gwCfg)
	if err != nil {
		b.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg Config, log Logger, b *backends, secrets Secrets, sessCfg session.Config, gwCfg realtime.GatewayConfig) (*App, error) {
	m := metrics.New()
	hub := realtime.NewHub(log, m)

	var broadcaster chat.Broadcaster = hub
	fanoutKind := "local"
	if b.rdb != nil {
		fan, err := realtime.NewRedisFanout(log, b.rdb, cfg.RedisChannel, hub)
		if err != nil {
			return nil, err
		}
		if err := fan.Start(ctx); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return fan.Close() })
		broadcaster, fanoutKind = fan, "redis"
	}

	chatSvc, err := chat.NewService(log, b.messages, broadcaster, m, chat.Config{
		HistoryLimit:      cfg.HistoryLimit,
		RetentionAge:      cfg.RetentionAge,
		RetentionInterval: cfg.RetentionInterval,
		MaxFileBytes:      cfg.MaxPayloadBytes,
	})
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewService(sessCfg, session.Deps{
		Log:      log,
		Accounts: b.accounts,
		Presence: b.presence,
		OTP:      otp.New(otp.Config{Issuer: cfg.TOTPIssuer, Skew: uint(max(cfg.TOTPSkew, 0))}),
		Seal:     secrets.Seal,
		Tokens:   secrets.Tokens,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, gwCfg, hub, chatSvc, sessions, m)
	if err != nil {
		return nil, err
	}

	log.Info("app.wired",
		"accounts", b.accountsKind,
		"messages", b.messagesKind,
		"presence", b.presenceKind,
		"fanout", fanoutKind,
		"secret_seal", secrets.Seal.Enabled(),
		"token_hmac", secrets.Tokens.Keyed(),
	)

	return &App{
		cfg:      cfg,
		log:      log,
		backends: b,
		metrics:  m,
		chat:     chatSvc,
		sessions: sessions,
		ws:       ws,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRecover(WithSecurityHeaders(WithRequestLogging(mux, a.log)), a.log)
}

// Run starts the HTTP server and retention loop and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	retentionCtx, stopRetention := context.WithCancel(ctx)
	retentionDone := make(chan struct{})
	go func() {
		defer close(retentionDone)
		a.chat.RunRetention(retentionCtx)
	}()

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "url", base, "ws_url", wsBaseURL(base)+"/ws", "durable", a.cfg.durable())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	stopRetention()
	<-retentionDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.backends.Close(shutdownCtx)

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// backends owns the storage clients behind the stores.
type backends struct {
	accounts identity.Store
	messages chat.Store
	presence presence.Registry

	accountsKind string
	messagesKind string
	presenceKind string

	pool    *pgxpool.Pool
	rdb     *redis.Client
	closers []func(context.Context) error
	log     Logger
}

// openBackends selects Postgres, then MongoDB, then memory for accounts and
// messages, and Redis or memory for presence and fanout.
func openBackends(ctx context.Context, cfg Config, log Logger) (*backends, error) {
	b := &backends{log: log}
	ok := false
	defer func() {
		if !ok {
			b.Close(context.Background())
		}
	}()

	switch {
	case cfg.DatabaseURL != "":
		if err := b.openPostgres(ctx, cfg); err != nil {
			return nil, err
		}
	case cfg.MongoURI != "":
		if err := b.openMongo(ctx, cfg); err != nil {
			return nil, err
		}
	default:
		log.Info("db.disabled.inmemory_store")
		b.accounts, b.accountsKind = identity.NewMemoryStore(), "memory"
		b.messages, b.messagesKind = chat.NewMemoryStore(), "memory"
	}

	if cfg.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.rdb = rdb
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })

		reg, err := presence.NewRedisRegistry(rdb, cfg.PresenceTTL)
		if err != nil {
			return nil, err
		}
		b.presence, b.presenceKind = reg, "redis"
	} else {
		b.presence, b.presenceKind = presence.NewMemoryRegistry(), "memory"
	}

	ok = true
	return b, nil
}

func (b *backends) openPostgres(ctx context.Context, cfg Config) error {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	b.pool = pool
	b.closers = append(b.closers, func(context.Context) error { pool.Close(); return nil })

	if cfg.DBMigrate {
		if err := Migrate(ctx, pool); err != nil {
			return err
		}
		b.log.Info("db.migrate.ok")
	}

	accounts, err := identity.NewPostgresStore(pool)
	if err != nil {
		return err
	}
	messages, err := chat.NewPostgresStore(pool)
	if err != nil {
		return err
	}

	b.log.Info("db.enabled.postgres_store")
	b.accounts, b.accountsKind = accounts, "postgres"
	b.messages, b.messagesKind = messages, "postgres"
	return nil
}

func (b *backends) openMongo(ctx context.Context, cfg Config) error {
	client, err := NewMongoClient(ctx, cfg.MongoURI)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, client.Disconnect)

	accounts, err := identity.NewMongoStore(client, cfg.MongoDB, "")
	if err != nil {
		return err
	}
	if err := accounts.EnsureIndexes(ctx); err != nil {
		return err
	}
	messages, err := chat.NewMongoStore(client, cfg.MongoDB, "")
	if err != nil {
		return err
	}
	if err := messages.EnsureIndexes(ctx); err != nil {
		return err
	}

	b.log.Info("db.enabled.mongo_store", "database", cfg.MongoDB)
	b.accounts, b.accountsKind = accounts, "mongo"
	b.messages, b.messagesKind = messages, "mongo"
	return nil
}

// Close releases clients in reverse order of creation. It is safe to call twice.
func (b *backends) Close(ctx context.Context) {
	if b.messages != nil {
		_ = b.messages.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			b.log.Error("backend.close.fail", "err", err)
		}
	}
	b.closers = nil
	b.messages = nil
}
