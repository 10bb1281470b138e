package realtime

import (
	"context"
	"encoding/json"
)

// Message is a server-pushed update.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Listener receives the callbacks of one channel subscription. Callbacks may
// arrive on any goroutine.
type Listener interface {
	// OnOpen reports that the server acknowledged the subscription.
	OnOpen()
	// OnMessage delivers a pushed update.
	OnMessage(msg Message)
	// OnError reports a channel fault such as a server error frame or an
	// acknowledgment timeout.
	OnError(err error)
	// OnClose reports that the channel closed without Unsubscribe being called.
	OnClose(err error)
}

// Channel is one live subscription to server-pushed updates.
type Channel interface {
	// Subscribe opens the channel and starts delivering callbacks to l. ctx
	// bounds the opening only. An error means the channel could not be opened
	// and no callback will follow; so does calling it after Unsubscribe.
	Subscribe(ctx context.Context, l Listener) error

	// Unsubscribe closes the channel. A callback already in flight may still
	// arrive; the Manager ignores callbacks of channels it has let go.
	Unsubscribe(ctx context.Context) error
}

// NewFunc builds a fresh channel for each connection attempt.
type NewFunc func(ctx context.Context) (Channel, error)
