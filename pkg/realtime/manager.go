// Package realtime keeps one long-lived subscription to server-pushed updates
// healthy across faults and reconnects.
//
// The Manager is enabled only while its Gate reports the user authenticated and
// the local cache hydrated. Enabling it opens a channel; a channel fault moves
// it to StatusError and schedules an automatic retry through its Retryer;
// Reconnect retries immediately. Disabling the gate tears the channel down,
// cancels pending retries and returns to StatusDisconnected.
//
// Every connection attempt gets a generation number. Callbacks from a channel
// whose generation is no longer current are ignored, so a torn-down channel can
// never move the manager's status.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidepool-social/syncqueue/pkg/auth"
	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/logger"
)

// Gate is the enablement condition of the manager.
type Gate struct {
	Authenticated bool
	Hydrated      bool

	// UserID is the user the subscription is opened for. It is bound to the
	// dial ctx with auth.ContextWithUser. Changing it while enabled replaces
	// the subscription.
	UserID string
}

func (g Gate) Enabled() bool {
	return g.Authenticated && g.Hydrated
}

type Config struct {
	// NewChannel builds the channel for each attempt. Required.
	NewChannel NewFunc

	// Retryer schedules automatic retries after a fault. Nil selects
	// NewExponentialBackoffRetryer; use NoRetry to disable them.
	Retryer Retryer

	// OnMessage receives pushed updates from the current channel.
	OnMessage func(Message)

	Logger  logger.Logger
	Metrics *Metrics
}

type Manager struct {
	newChannel NewFunc
	retryer    Retryer
	onMessage  func(Message)
	log        logger.Logger
	metrics    *Metrics

	mu         sync.Mutex
	status     Status
	err        error
	gate       Gate
	gen        uint64
	ch         Channel
	cancelDial context.CancelFunc
	retryTimer *time.Timer
	attempt    int
	closed     bool

	watchers map[int]func(Status)
	nextID   int
	pending  []Status
	notifyMu sync.Mutex
}

func New(cfg Config) (*Manager, error) {
	if cfg.NewChannel == nil {
		return nil, constants.ErrNoChannelFunc
	}
	retryer := cfg.Retryer
	if retryer == nil {
		retryer = NewExponentialBackoffRetryer()
	}

	m := &Manager{
		newChannel: cfg.NewChannel,
		retryer:    retryer,
		onMessage:  cfg.OnMessage,
		log:        logger.OrNop(cfg.Logger),
		metrics:    cfg.Metrics,
		status:     StatusDisconnected,
		watchers:   map[int]func(Status){},
	}
	m.metrics.setStatus(StatusDisconnected)
	return m, nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// Err returns the last fault. It is cleared by a successful connection and by
// disabling the gate.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Manager) Gate() Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate
}

// Watch registers fn for status changes. fn runs outside the manager's lock,
// in transition order, and must not call SetGate, Reconnect or Close. The
// returned func unregisters it.
func (m *Manager) Watch(fn func(Status)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// SetGate updates the enablement condition. Becoming enabled starts a
// connection attempt; becoming disabled tears the channel down. A user change
// while enabled does both, so no channel outlives the user it was opened for.
func (m *Manager) SetGate(g Gate) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	prev := m.gate
	was := prev.Enabled()
	m.gate = g
	now := g.Enabled()

	var old Channel
	switch {
	case now && !was:
		m.log.Debug("realtime gate opened", "user_id", g.UserID)
		m.metrics.attempt("gate")
		m.connectLocked()
	case !now && was:
		m.log.Debug("realtime gate closed")
		old = m.teardownLocked()
	case now && prev.UserID != g.UserID:
		m.log.Info("realtime user changed, resubscribing", "from", prev.UserID, "to", g.UserID)
		old = m.teardownLocked()
		m.metrics.attempt("gate")
		m.connectLocked()
	}
	m.mu.Unlock()

	m.notify()
	m.unsubscribe(context.Background(), old)
}

// Reconnect tears down the current channel, if any, and starts a new attempt
// right away. It returns constants.ErrGateClosed while the gate is disabled
// and is a no-op while an attempt is already in flight. ctx bounds the
// teardown of the previous channel.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return constants.ErrManagerClosed
	}
	if !m.gate.Enabled() {
		m.mu.Unlock()
		return constants.ErrGateClosed
	}

	var old Channel
	prev := m.status
	switch prev {
	case StatusConnecting:
		m.mu.Unlock()
		return nil
	case StatusConnected:
		old = m.teardownLocked()
	case StatusError:
		m.stopRetryLocked()
	}

	m.log.Info("realtime manual reconnect", "from", prev)
	m.metrics.attempt("manual")
	m.attempt = 0
	m.connectLocked()
	m.mu.Unlock()

	m.notify()
	m.unsubscribe(ctx, old)
	return nil
}

// Close disables the manager permanently and tears the channel down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gate = Gate{}
	old := m.teardownLocked()
	m.mu.Unlock()

	m.notify()
	return m.unsubscribe(ctx, old)
}

func (m *Manager) transitionLocked(next Status) error {
	if err := m.status.validateTransitionTo(next); err != nil {
		return err
	}

	m.status = next
	m.pending = append(m.pending, next)
	m.metrics.setStatus(next)
	m.log.Debug("realtime status transitioned", "new_status", next)
	return nil
}

// notify delivers pending transitions to watchers, in order.
func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	watchers := make([]func(Status), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	for _, s := range pending {
		for _, fn := range watchers {
			fn(s)
		}
	}
}

// connectLocked moves to connecting and starts an attempt with a new
// generation.
func (m *Manager) connectLocked() {
	if err := m.transitionLocked(StatusConnecting); err != nil {
		m.log.Error("BUG: realtime manager failed to transition to connecting", "error", err)
		return
	}

	m.gen++
	gen := m.gen

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultDialTimeout)
	if m.gate.UserID != "" {
		ctx = auth.ContextWithUser(ctx, m.gate.UserID)
	}
	m.cancelDial = cancel

	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	ch, err := m.newChannel(ctx)
	if err != nil {
		m.fail(gen, fmt.Errorf("failed to create realtime channel: %w", err))
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.unsubscribe(context.Background(), ch)
		return
	}
	m.ch = ch
	m.mu.Unlock()

	if err := ch.Subscribe(ctx, &listener{m: m, gen: gen}); err != nil {
		m.fail(gen, fmt.Errorf("failed to subscribe: %w", err))
	}
}

func (m *Manager) opened(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err := m.transitionLocked(StatusConnected); err != nil {
		m.log.Error("BUG: realtime manager failed to transition to connected", "error", err)
	}
	m.err = nil
	m.attempt = 0
	m.retryer.Reset()
	m.mu.Unlock()

	m.log.Info("realtime subscription established")
	m.notify()
}

// fail moves a live attempt to the error state and schedules a retry.
func (m *Manager) fail(gen uint64, err error) {
	if err == nil {
		err = constants.ErrChannelClosed
	}

	m.mu.Lock()
	if gen != m.gen || (m.status != StatusConnecting && m.status != StatusConnected) {
		m.mu.Unlock()
		return
	}

	if terr := m.transitionLocked(StatusError); terr != nil {
		m.log.Error("BUG: realtime manager failed to transition to error", "error", terr)
	}
	m.err = err
	m.metrics.fault()

	// later callbacks from this channel are stale
	m.gen++
	old := m.detachLocked()

	delay, retry := m.retryer.NextDelay(m.attempt, err)
	m.attempt++
	if retry {
		next := m.gen
		m.retryTimer = time.AfterFunc(delay, func() { m.retry(next) })
	}
	m.mu.Unlock()

	if retry {
		m.log.Warn("realtime channel fault, retrying", "error", err, "delay", delay)
	} else {
		m.log.Error("realtime channel fault, giving up until reconnect", "error", err)
	}

	m.notify()
	m.unsubscribe(context.Background(), old)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusError || !m.gate.Enabled() || m.closed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.log.Debug("realtime automatic retry", "attempt", m.attempt)
	m.metrics.attempt("auto")
	m.connectLocked()
	m.mu.Unlock()

	m.notify()
}

// teardownLocked returns to disconnected, invalidating every callback and
// pending retry of the current generation. The returned channel must be
// unsubscribed outside the lock.
func (m *Manager) teardownLocked() Channel {
	m.gen++
	m.stopRetryLocked()
	old := m.detachLocked()
	m.err = nil
	m.attempt = 0

	if m.status != StatusDisconnected {
		if err := m.transitionLocked(StatusDisconnected); err != nil {
			m.log.Error("BUG: realtime manager failed to transition to disconnected", "error", err)
		}
	}
	return old
}

func (m *Manager) detachLocked() Channel {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	old := m.ch
	m.ch = nil
	return old
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) unsubscribe(ctx context.Context, ch Channel) error {
	if ch == nil {
		return nil
	}
	if err := ch.Unsubscribe(ctx); err != nil && !errors.Is(err, constants.ErrChannelClosed) {
		m.log.Warn("failed to unsubscribe realtime channel", "error", err)
		return err
	}
	return nil
}

func (m *Manager) message(gen uint64, msg Message) {
	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}

	m.metrics.message()
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

// listener binds channel callbacks to one generation.
type listener struct {
	m   *Manager
	gen uint64
}

func (l *listener) OnOpen()               { l.m.opened(l.gen) }
func (l *listener) OnMessage(msg Message) { l.m.message(l.gen, msg) }
func (l *listener) OnError(err error)     { l.m.fail(l.gen, err) }
func (l *listener) OnClose(err error)     { l.m.fail(l.gen, err) }
