package realtime

import "time"

const (
	// Heartbeat defaults (overridable via GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	wsMinSendQueueSize = 32
	wsMaxPingFailures  = 3
	wsCloseGrace       = 1 * time.Second

	// Read limit until a connection authenticates. Only authenticated
	// connections may send frames up to the chat service's file bound.
	wsDefaultReadLimit = 64 << 10

	// Teardown budget for presence release after the connection context is gone.
	wsReleaseTimeout = 5 * time.Second
)

const (
	closeReasonSlowConsumer = "slow consumer"
	closeReasonRateLimited  = "rate limited"
	closeReasonPresenceLost = "presence lost"
)
