// Package network reports whether the backend is reachable and notifies
// subscribers when that changes.
package network

import (
	"sync"
)

type StatusProvider interface {
	Online() bool

	// Subscribe registers fn for reachability changes. fn is called with the
	// new value only on transitions. The returned func cancels the
	// subscription and is safe to call more than once.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is a StatusProvider whose state is set by the host application, e.g.
// from an OS connectivity callback.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

var _ StatusProvider = (*Manual)(nil)

func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: map[int]func(bool){}}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and, on a transition, notifies subscribers
// synchronously outside the lock.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (m *Manual) Subscribe(fn func(bool)) func() {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// AlwaysOnline is a provider that never changes.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool                 { return true }
func (AlwaysOnline) Subscribe(func(bool)) func() { return func() {} }
