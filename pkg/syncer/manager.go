// Package syncer drains the offline write queue of the current user through a
// submitter, classifies each outcome, and publishes lifecycle events.
//
// A pass takes a snapshot of the user's queue and submits every item once, in
// insertion order. Success and permanent rejection (4xx) remove the item; any
// other failure keeps it and counts an attempt. Retries happen only on later
// passes, triggered by the periodic timer, by the network becoming reachable,
// or by an explicit ProcessQueue call. At most one pass runs at a time.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidepool-social/syncqueue/pkg/auth"
	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/events"
	"github.com/tidepool-social/syncqueue/pkg/logger"
	"github.com/tidepool-social/syncqueue/pkg/network"
	"github.com/tidepool-social/syncqueue/pkg/queue"
	"github.com/tidepool-social/syncqueue/pkg/submit"
)

type Config struct {
	Store     queue.Store
	Submitter submit.Submitter

	// Bus receives lifecycle events. A new bus is created when nil.
	Bus *events.Bus

	// Network gates passes: none runs while it reports the backend
	// unreachable, and one is triggered whenever it becomes reachable again.
	// Optional; nil means always online.
	Network network.StatusProvider

	// Interval is the period of the drain timer started by Init. Zero selects
	// constants.DefaultSyncInterval; a negative value disables the timer.
	Interval time.Duration

	// MaxAttempts removes an item once a transient failure brings its attempt
	// count to this value. Zero means retry forever.
	MaxAttempts int

	DeadLetter DeadLetterSink
	Logger     logger.Logger
	Metrics    *Metrics
}

// Summary describes one ProcessQueue call.
type Summary struct {
	// Skipped is set when the call returned without draining; SkipReason is
	// constants.ErrSyncInProgress, constants.ErrNoCurrentUser or
	// constants.ErrOffline.
	Skipped    bool  `json:"skipped"`
	SkipReason error `json:"-"`

	UserID       string `json:"userId,omitempty"`
	Total        int    `json:"total"`
	Processed    int    `json:"processed"`
	Delivered    int    `json:"delivered"`
	Rejected     int    `json:"rejected"`
	Retried      int    `json:"retried"`
	DeadLettered int    `json:"deadLettered"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Mutated reports whether the pass changed the contents of the queue.
func (s Summary) Mutated() bool {
	return s.Delivered+s.Rejected+s.Retried+s.DeadLettered > 0
}

type Manager struct {
	store      queue.Store
	submitter  submit.Submitter
	bus        *events.Bus
	network    network.StatusProvider
	interval   time.Duration
	maxAttempt int
	deadLetter DeadLetterSink
	log        logger.Logger
	metrics    *Metrics

	syncing atomic.Bool

	mu          sync.Mutex
	userID      string
	last        Summary
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	kick        chan struct{}
}

func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, constants.ErrNoStore
	}
	if cfg.Submitter == nil {
		return nil, constants.ErrNoSubmitter
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("invalid max attempts %d", cfg.MaxAttempts)
	}

	log := logger.OrNop(cfg.Logger)
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = constants.DefaultSyncInterval
	}

	return &Manager{
		store:      cfg.Store,
		submitter:  cfg.Submitter,
		bus:        bus,
		network:    cfg.Network,
		interval:   interval,
		maxAttempt: cfg.MaxAttempts,
		deadLetter: cfg.DeadLetter,
		log:        log,
		metrics:    cfg.Metrics,
		kick:       make(chan struct{}, 1),
	}, nil
}

func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// SetCurrentUser switches the scope of subsequent passes. It does not drain.
// An empty id clears the scope.
func (m *Manager) SetCurrentUser(userID string) {
	m.mu.Lock()
	prev := m.userID
	m.userID = userID
	m.mu.Unlock()

	if prev != userID {
		m.log.Debug("sync user changed", "from", prev, "to", userID)
	}
}

func (m *Manager) CurrentUser() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Syncing reports whether a pass holds the guard.
func (m *Manager) Syncing() bool {
	return m.syncing.Load()
}

// LastSummary returns the summary of the most recent pass that took the guard.
func (m *Manager) LastSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Enqueue persists a write for userID, or for the current user when userID is
// empty, and publishes events.Updated.
func (m *Manager) Enqueue(ctx context.Context, userID string, payload json.RawMessage) (string, error) {
	if userID == "" {
		userID = m.CurrentUser()
	}
	if userID == "" {
		return "", constants.ErrEmptyUserID
	}
	if err := queue.ValidatePayload(payload); err != nil {
		return "", fmt.Errorf("%w: %v", constants.ErrInvalidPayload, err)
	}

	id, err := m.store.Enqueue(ctx, userID, payload)
	if err != nil {
		m.log.Error("failed to enqueue", "user_id", userID, "error", err)
		return "", err
	}

	m.log.Debug("enqueued", "id", id, "user_id", userID)
	m.bus.PublishUpdated()
	return id, nil
}

// Pending returns the queue of the current user.
func (m *Manager) Pending(ctx context.Context) ([]queue.Item, error) {
	userID := m.CurrentUser()
	if userID == "" {
		return []queue.Item{}, nil
	}
	return m.store.GetQueueByUser(ctx, userID)
}

// ProcessQueue runs one drain pass for the current user.
//
// It returns immediately, publishing nothing, when a pass is already running,
// no user is set or the network reports the backend unreachable. Otherwise it publishes SyncStart, one SyncProgress per item,
// Updated when the queue changed, and SyncComplete, even when the pass is cut
// short. Per-item submission failures never produce an error; a storage fault
// aborts the pass and is returned, as is ctx's error when ctx is done between
// items.
func (m *Manager) ProcessQueue(ctx context.Context) (Summary, error) {
	if m.syncing.Load() {
		m.metrics.pass("skipped", time.Time{})
		return Summary{Skipped: true, SkipReason: constants.ErrSyncInProgress}, nil
	}
	userID := m.CurrentUser()
	if userID == "" {
		m.metrics.pass("skipped", time.Time{})
		return Summary{Skipped: true, SkipReason: constants.ErrNoCurrentUser}, nil
	}
	if !m.Online() {
		m.metrics.pass("skipped", time.Time{})
		return Summary{Skipped: true, SkipReason: constants.ErrOffline}, nil
	}
	if !m.syncing.CompareAndSwap(false, true) {
		m.metrics.pass("skipped", time.Time{})
		return Summary{Skipped: true, SkipReason: constants.ErrSyncInProgress}, nil
	}
	defer m.syncing.Store(false)

	sum := Summary{UserID: userID, StartedAt: time.Now()}
	result := "completed"
	defer func() {
		sum.FinishedAt = time.Now()
		m.mu.Lock()
		m.last = sum
		m.mu.Unlock()
		m.metrics.pass(result, sum.StartedAt)
	}()

	items, err := m.store.GetQueueByUser(ctx, userID)
	if err != nil {
		result = "aborted"
		m.log.Error("failed to read queue", "user_id", userID, "error", err)
		return sum, err
	}

	sum.Total = len(items)
	m.log.Debug("sync pass started", "user_id", userID, "total", sum.Total)
	m.bus.PublishStart(sum.Total)
	defer func() {
		if sum.Mutated() {
			m.bus.PublishUpdated()
		}
		m.bus.PublishComplete()
		m.metrics.setDepth(sum.Total - sum.Delivered - sum.Rejected - sum.DeadLettered)
		m.log.Debug("sync pass finished",
			"user_id", userID,
			"processed", sum.Processed,
			"delivered", sum.Delivered,
			"rejected", sum.Rejected,
			"retried", sum.Retried,
			"dead_lettered", sum.DeadLettered,
		)
	}()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			result = "canceled"
			return sum, err
		}

		stop, err := m.processItem(ctx, item, &sum)
		if err != nil {
			result = "aborted"
			m.log.Error("sync pass aborted", "user_id", userID, "id", item.ID, "error", err)
			return sum, err
		}
		if stop {
			result = "canceled"
			return sum, ctx.Err()
		}

		sum.Processed++
		m.bus.PublishProgress(sum.Processed, sum.Total)
	}

	return sum, nil
}

// Online reports whether the network provider, if any, considers the backend
// reachable.
func (m *Manager) Online() bool {
	return m.network == nil || m.network.Online()
}

// processItem submits one item on behalf of its owner and applies the
// outcome. stop is set when ctx ended during a failed submission, in which
// case the item is left untouched.
func (m *Manager) processItem(ctx context.Context, item queue.Item, sum *Summary) (stop bool, err error) {
	res, subErr := m.submitter.Submit(auth.ContextWithUser(ctx, item.UserID), item.Payload)
	outcome := submit.Classify(res, subErr)
	status := submit.Status(res, subErr)

	if outcome != submit.Delivered && ctx.Err() != nil {
		return true, nil
	}

	// outcomes are recorded even when ctx ends after the submission
	ctx = context.WithoutCancel(ctx)

	switch outcome {
	case submit.Delivered:
		if err := m.store.RemoveFromQueue(ctx, item.ID); err != nil {
			return false, err
		}
		sum.Delivered++
		m.metrics.item("delivered")
		m.log.Info("queued write delivered", "id", item.ID, "attempts", item.Attempts)

	case submit.Rejected:
		if err := m.store.RemoveFromQueue(ctx, item.ID); err != nil {
			return false, err
		}
		sum.Rejected++
		m.metrics.item("rejected")
		m.log.Warn("queued write rejected, dropping", "id", item.ID, "status", status, "error", failure(res, subErr))
		m.sendDeadLetter(ctx, item, ReasonRejected, status)

	default:
		attempts := item.Attempts + 1
		if m.maxAttempt > 0 && attempts >= m.maxAttempt {
			if err := m.store.RemoveFromQueue(ctx, item.ID); err != nil {
				return false, err
			}
			item.Attempts = attempts
			sum.DeadLettered++
			m.metrics.item("dead_lettered")
			m.log.Warn("queued write exhausted its attempts, dropping",
				"id", item.ID, "attempts", attempts, "status", status, "error", failure(res, subErr))
			m.sendDeadLetter(ctx, item, ReasonExhausted, status)
			return false, nil
		}

		if err := m.store.IncrementAttemptCount(ctx, item.ID); err != nil {
			return false, err
		}
		sum.Retried++
		m.metrics.item("retried")
		m.log.Info("queued write failed, will retry",
			"id", item.ID, "attempts", attempts, "status", status, "error", failure(res, subErr))
	}

	return false, nil
}

func (m *Manager) sendDeadLetter(ctx context.Context, item queue.Item, reason Reason, status int) {
	if m.deadLetter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("dead letter sink panicked", "id", item.ID, "panic", r)
		}
	}()
	m.deadLetter.DeadLetter(ctx, item, reason, status)
}

func failure(res submit.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Error != nil && res.Error.Message != "" {
		return res.Error.Message
	}
	return "unsuccessful result"
}

// Init starts the drain timer and subscribes to network reachability. Both
// trigger ProcessQueue on a background goroutine bound to ctx. Init is
// idempotent and returns constants.ErrManagerClosed after Close.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return constants.ErrManagerClosed
	}
	if m.initialized {
		return nil
	}
	m.initialized = true

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if m.network != nil {
		m.unsubscribe = m.network.Subscribe(func(online bool) {
			if online {
				m.log.Debug("network reachable, scheduling sync")
				m.Trigger()
			}
		})
	}

	go m.run(ctx, m.done)
	return nil
}

// Trigger schedules a pass on the Init goroutine without waiting for it.
// Triggers coalesce; one sent before Init runs once Init starts.
func (m *Manager) Trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-m.kick:
		}

		if _, err := m.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("background sync failed", "error", err)
		}
	}
}

// Close stops the timer and the network subscription and waits for a running
// background pass to return. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done, unsubscribe := m.cancel, m.done, m.unsubscribe
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
