// Package events is an in-process publish/subscribe bus for queue lifecycle
// notifications.
//
// A Bus is an observer list keyed by channel name. Publishing with no
// listeners attached is a no-op, and subscribing or unsubscribing never fails,
// whether or not anything has been published yet. The bus does not cross
// process boundaries.
package events

import (
	"fmt"
	"sync"

	"github.com/tidepool-social/syncqueue/pkg/logger"
)

// Name identifies a lifecycle channel.
type Name string

const (
	// Updated fires when the contents of the queue changed.
	Updated Name = "UPDATED"
	// SyncStart fires once at the beginning of a drain pass.
	SyncStart Name = "SYNC_START"
	// SyncProgress fires after every item of a drain pass, whatever its outcome.
	SyncProgress Name = "SYNC_PROGRESS"
	// SyncComplete fires once at the end of a drain pass.
	SyncComplete Name = "SYNC_COMPLETE"
)

// Names lists every channel, in lifecycle order.
var Names = []Name{Updated, SyncStart, SyncProgress, SyncComplete}

// Progress is the payload of SyncStart and SyncProgress.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// Event is a single notification. Progress is nil for Updated and SyncComplete.
type Event struct {
	Name     Name      `json:"name"`
	Progress *Progress `json:"progress,omitempty"`
}

func (e Event) String() string {
	if e.Progress == nil {
		return string(e.Name)
	}
	return fmt.Sprintf("%s(%d/%d)", e.Name, e.Progress.Processed, e.Progress.Total)
}

// Listener receives events. It is called synchronously on the publishing
// goroutine and must not block for long.
type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener
}

type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Name][]subscription
	logger logger.Logger
}

// NewBus returns an empty bus. A nil logger discards listener panics silently.
func NewBus(log logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[Name][]subscription),
		logger: logger.OrNop(log),
	}
}

// Subscribe attaches l to the named channel and returns a function that
// detaches it. The returned function is idempotent.
func (b *Bus) Subscribe(name Name, l Listener) (unsubscribe func()) {
	if l == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, listener: l})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, id) })
	}
}

// SubscribeAll attaches l to every channel.
func (b *Bus) SubscribeAll(l Listener) (unsubscribe func()) {
	cancels := make([]func(), 0, len(Names))
	for _, name := range Names {
		cancels = append(cancels, b.Subscribe(name, l))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (b *Bus) remove(name Name, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			// copy so that a concurrent Publish iterating the old slice is unaffected
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[name] = next
			return
		}
	}
}

// Publish delivers e to the listeners of e.Name in subscription order.
// A panicking listener is logged and does not affect the others or the caller.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := b.subs[e.Name]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.listener, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events.Bus listener panicked", "event", e.Name, "panic", r)
		}
	}()
	l(e)
}

// Len returns the number of listeners attached to name.
func (b *Bus) Len(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// PublishUpdated is a shorthand for publishing an Updated event.
func (b *Bus) PublishUpdated() {
	b.Publish(Event{Name: Updated})
}

// PublishStart publishes SyncStart with processed = 0.
func (b *Bus) PublishStart(total int) {
	b.Publish(Event{Name: SyncStart, Progress: &Progress{Processed: 0, Total: total}})
}

// PublishProgress publishes SyncProgress.
func (b *Bus) PublishProgress(processed, total int) {
	b.Publish(Event{Name: SyncProgress, Progress: &Progress{Processed: processed, Total: total}})
}

// PublishComplete publishes SyncComplete.
func (b *Bus) PublishComplete() {
	b.Publish(Event{Name: SyncComplete})
}
