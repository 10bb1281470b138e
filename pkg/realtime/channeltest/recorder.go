package channeltest

import (
	"sync"

	"github.com/tidepool-social/syncqueue/pkg/realtime"
)

// Recorder is a realtime.Listener that records every callback.
type Recorder struct {
	mu       sync.Mutex
	opened   int
	messages []realtime.Message
	errs     []error
	closes   []error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnOpen() {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
}

func (r *Recorder) OnMessage(msg realtime.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *Recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *Recorder) OnClose(err error) {
	r.mu.Lock()
	r.closes = append(r.closes, err)
	r.mu.Unlock()
}

func (r *Recorder) Opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

func (r *Recorder) Messages() []realtime.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Message(nil), r.messages...)
}

func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *Recorder) Closes() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.closes...)
}
