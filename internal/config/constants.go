package config

import "time"

// HTTP retry policy. Backoff for attempt n (0-indexed) is
// RetryBackoffBase * 2^n plus a uniform jitter in [0, RetryBackoffJitter).
const (
	RetryBackoffBase   = 300 * time.Millisecond
	RetryBackoffJitter = 100 * time.Millisecond
)

// Websocket handshake timeout for both the relay and the signal endpoint
const HandshakeTimeout = 10 * time.Second

// Database connection pool settings. The client holds one session record,
// the pool stays small.
const (
	DBMaxOpenConns    = 4
	DBMaxIdleConns    = 2
	DBConnMaxLifetime = 5 * time.Minute
)

// Ping timeout for store health checks at startup
const StorePingTimeout = 5 * time.Second

// Background expiry sweep interval
const SweepJobInterval = time.Minute

// HTTP server timeouts for the local diagnostics endpoint
const (
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 10 * time.Second
)
