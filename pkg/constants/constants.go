// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single status frame write
	WebSocketWriteTimeout = 10 * time.Second

	// WebSocketPongWait is how long a status stream waits for a pong; longer than the ping interval
	WebSocketPongWait = 70 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute

	// RedisHealthCheckInterval is the interval of the Redis degraded-mode probe
	RedisHealthCheckInterval = 10 * time.Second
)

// Call-related constants
const (
	// RingTimeout is how long a caller waits in AwaitingAnswer (and a callee rings)
	RingTimeout = 60 * time.Second

	// TeardownTimeout bounds the best-effort deletion of a call record on hangup
	TeardownTimeout = 5 * time.Second

	// SignalingResyncInterval is how often a subscription re-reads the record and
	// candidate lists to recover notifications lost while Pub/Sub reconnected
	SignalingResyncInterval = 2 * time.Second

	// CallRecordTTL is the lifetime of a call record in the signaling store. A record is
	// normally deleted on hangup; the TTL only cleans up after crashed peers.
	CallRecordTTL = 24 * time.Hour

	// SessionEventBuffer is the capacity of a call session's event queue
	SessionEventBuffer = 64

	// StatusStreamBuffer is the capacity of each status stream subscriber
	StatusStreamBuffer = 16
)

// Validation constants
const (
	// MaxChannelIDLength is the maximum allowed conversation channel identifier length
	MaxChannelIDLength = 128

	// MaxDisplayNameLength is the maximum allowed display name length
	MaxDisplayNameLength = 100
)

// WebSocket limits
const (
	// MaxStatusConnections caps concurrent status stream connections per process
	MaxStatusConnections = 1000

	// MaxStatusCommandSize is the largest client frame on a status stream
	MaxStatusCommandSize = 512
)
