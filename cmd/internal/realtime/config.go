package realtime

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// GatewayEnvPrefix prefixes every GatewayConfig variable (VOUCH_WS_SEND_QUEUE, ...).
const GatewayEnvPrefix = "VOUCH_WS"

// GatewayConfig tunes the websocket gateway.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure bool `envconfig:"DEV_INSECURE" default:"false"`

	OriginRequired bool     `envconfig:"ORIGIN_REQUIRED" default:"true"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`

	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
	// ReadIdleTimeout closes connections that send nothing for this long; 0 relies on heartbeats only.
	ReadIdleTimeout time.Duration `envconfig:"READ_IDLE_TIMEOUT" default:"0s"`
	SendQueue       int           `envconfig:"SEND_QUEUE" default:"256"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"25s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"5s"`

	RateEvents int           `envconfig:"RATE_EVENTS" default:"120"`
	RateWindow time.Duration `envconfig:"RATE_WINDOW" default:"10s"`
}

// DefaultGatewayConfig mirrors the envconfig defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		SendQueue:         256,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// LoadGatewayConfig reads VOUCH_WS_* variables.
func LoadGatewayConfig() (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := envconfig.Process(GatewayEnvPrefix, &cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("gateway config: %w", err)
	}
	return cfg.normalized(), nil
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout < 0 {
		c.ReadIdleTimeout = 0
	}
	if c.SendQueue < wsMinSendQueueSize {
		c.SendQueue = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}
