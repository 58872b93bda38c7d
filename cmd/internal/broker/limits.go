package broker

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 10 * time.Minute
	closeGrace          = 1 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// DefaultAuthGrace is how long a connection may stay unauthenticated.
	DefaultAuthGrace = 10 * time.Second

	// Per-connection request budget: rateLimitEvents per rateLimitWindow with the same burst.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	defaultPollWorkers = 4
)
