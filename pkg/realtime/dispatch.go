package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/logger"
)

// Dispatcher routes the frames of one channel to its Listener. It is shared by
// the transport adapters: they feed it raw frames and transport failures, and
// it reports OnOpen once on the acknowledgment and at most one terminal
// OnError or OnClose.
type Dispatcher struct {
	l   Listener
	log logger.Logger

	acked    chan struct{}
	ackOnce  sync.Once
	termOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}
}

func NewDispatcher(l Listener, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		l:     l,
		log:   logger.OrNop(log),
		acked: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Handle decodes and delivers one server frame. Malformed frames are logged
// and skipped.
func (d *Dispatcher) Handle(data []byte) {
	select {
	case <-d.done:
		return
	default:
	}

	f, err := DecodeFrame(data)
	if err != nil {
		d.log.Warn("dropping malformed realtime frame", "error", err)
		return
	}

	switch f.Type {
	case FrameAck:
		d.ackOnce.Do(func() {
			close(d.acked)
			d.l.OnOpen()
		})
	case FrameMessage:
		d.l.OnMessage(f.Message)
	case FrameError:
		d.Fault(f.Err)
	}
}

// Fault reports a channel error. Only the first terminal report is delivered.
func (d *Dispatcher) Fault(err error) {
	d.terminate(func() { d.l.OnError(err) })
}

// Closed reports that the transport closed. Only the first terminal report is
// delivered.
func (d *Dispatcher) Closed(err error) {
	d.terminate(func() { d.l.OnClose(err) })
}

func (d *Dispatcher) terminate(report func()) {
	d.termOnce.Do(func() {
		close(d.done)
		if !d.stopped.Load() {
			report()
		}
	})
}

// Stop suppresses every later callback. Adapters call it on Unsubscribe.
func (d *Dispatcher) Stop() {
	if d.stopped.CompareAndSwap(false, true) {
		d.termOnce.Do(func() { close(d.done) })
	}
}

// WatchAck reports constants.ErrAckTimeout and calls onTimeout when no
// acknowledgment arrives within timeout. It returns immediately.
func (d *Dispatcher) WatchAck(timeout time.Duration, onTimeout func()) {
	if timeout <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()

		select {
		case <-d.acked:
		case <-d.done:
		case <-t.C:
			d.Fault(constants.ErrAckTimeout)
			if onTimeout != nil {
				onTimeout()
			}
		}
	}()
}
