package collab

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Deltas are small, but
	// a joiner's first local state push can be sizable.
	maxFrameBytes = 256 << 10 // 256 KiB

	// Max encoded delta bytes accepted inside a sync_update payload.
	maxDeltaBytes = 128 << 10 // 128 KiB
)

const (
	// Heartbeat defaults (overridable via GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
