package events

import "sync"

// Recorder collects every event published on a bus. It grows without bound and
// is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	cancel func()
}

// Record subscribes a new Recorder to every channel of b.
func Record(b *Bus) *Recorder {
	r := &Recorder{}
	r.cancel = b.SubscribeAll(r.add)
	return r
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the names of the recorded events in order.
func (r *Recorder) Names() []Name {
	events := r.Events()
	names := make([]Name, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

// Last returns the most recent event and whether there is one.
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Stop detaches the recorder from the bus.
func (r *Recorder) Stop() {
	r.cancel()
}
