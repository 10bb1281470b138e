package constants

import "time"

const (
	// DefaultSyncInterval is the period of the drain timer wired by syncer.Manager.Init.
	DefaultSyncInterval = 30 * time.Second

	// DefaultProbeInterval is how often network.Probe checks reachability.
	DefaultProbeInterval = 10 * time.Second

	// DefaultProbeTimeout bounds a single reachability check.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultSubmitTimeout is the HTTP client timeout of the HTTP submitter.
	DefaultSubmitTimeout = 15 * time.Second

	// DefaultDialTimeout bounds the websocket handshake of realtime channels.
	DefaultDialTimeout = 10 * time.Second

	// DefaultAckTimeout is how long a realtime channel waits for the
	// subscription acknowledgment after the handshake.
	DefaultAckTimeout = 10 * time.Second

	// CloseMessageCode is the websocket close code sent on a clean unsubscribe.
	CloseMessageCode = 1000
)

// URL schemes accepted for the realtime, write and probe endpoints.
const (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)
