// Package queue defines the durable, user-scoped store of pending write
// operations and the item it holds.
//
// A Store keeps an Item from Enqueue until the sync manager removes it after a
// terminal outcome. Within one user, items are returned in insertion order.
// RemoveFromQueue and IncrementAttemptCount are idempotent: an id that is no
// longer present is silently ignored, so a concurrent drainer that removed it
// first never causes an error.
//
// Backends live in subpackages: memory, file, sqlite, postgres and redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Item is one pending write operation.
type Item struct {
	ID     string `json:"id" cbor:"id"`
	UserID string `json:"userId" cbor:"user_id"`

	// Payload is opaque to the queue. Only the submitter interprets it.
	Payload json.RawMessage `json:"payload" cbor:"payload"`

	// Attempts counts transient failures. It never decreases.
	Attempts int `json:"attempts" cbor:"attempts"`

	CreatedAt time.Time `json:"createdAt" cbor:"created_at"`

	// LastAttemptAt is zero until the first failed attempt.
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty" cbor:"last_attempt_at,omitempty"`
}

type Store interface {
	// Enqueue persists a new item with zero attempts and returns its id.
	Enqueue(ctx context.Context, userID string, payload json.RawMessage) (string, error)

	// GetQueueByUser returns the items of one user in insertion order.
	// It returns an empty, non-nil slice when there are none.
	GetQueueByUser(ctx context.Context, userID string) ([]Item, error)

	// GetQueue returns the items of every user. Ordering across users is
	// unspecified.
	GetQueue(ctx context.Context) ([]Item, error)

	// RemoveFromQueue deletes an item. Missing ids are a no-op.
	RemoveFromQueue(ctx context.Context, id string) error

	// IncrementAttemptCount bumps Attempts by one and stamps LastAttemptAt.
	// Missing ids are a no-op.
	IncrementAttemptCount(ctx context.Context, id string) error
}

// ErrStorage matches every *StorageError via errors.Is.
var ErrStorage = errors.New("queue storage failure")

// StorageError reports that the persistence medium itself failed.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("queue: %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Wrap returns err as a *StorageError for op, or nil when err is nil.
// An error that already is a *StorageError is returned unchanged.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, ID: id, Err: err}
}

// NewID returns a new time-ordered item id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewItem builds the item a store persists on Enqueue.
func NewItem(userID string, payload json.RawMessage, now time.Time) Item {
	return Item{
		ID:        NewID(),
		UserID:    userID,
		Payload:   clonePayload(payload),
		CreatedAt: now.UTC(),
	}
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	it.Payload = clonePayload(it.Payload)
	return it
}

func clonePayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}

// ValidatePayload rejects payloads that are not well-formed JSON.
func ValidatePayload(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("queue: invalid payload: %q", truncate(payload, 32))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Count returns the number of items per user.
func Count(items []Item) map[string]int {
	counts := make(map[string]int)
	for _, it := range items {
		counts[it.UserID]++
	}
	return counts
}
