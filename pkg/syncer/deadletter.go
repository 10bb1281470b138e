package syncer

import (
	"context"

	"github.com/tidepool-social/syncqueue/pkg/queue"
)

// Reason says why an item left the queue without being delivered.
type Reason string

const (
	// ReasonRejected means the backend refused the write permanently (4xx).
	ReasonRejected Reason = "rejected"
	// ReasonExhausted means the item reached Config.MaxAttempts.
	ReasonExhausted Reason = "exhausted"
)

// DeadLetterSink receives items removed without delivery, e.g. to surface them
// to the user. It is called after the item has been removed from the store.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, item queue.Item, reason Reason, status int)
}

type DeadLetterFunc func(ctx context.Context, item queue.Item, reason Reason, status int)

func (f DeadLetterFunc) DeadLetter(ctx context.Context, item queue.Item, reason Reason, status int) {
	f(ctx, item, reason, status)
}
