// Package memory is a process-local queue.Store. It does not survive restarts
// and is meant for tests and for embedding behind a durable backend.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidepool-social/syncqueue/pkg/queue"
)

type Store struct {
	mu    sync.RWMutex
	items map[string]*queue.Item
	// order holds ids in global insertion order.
	order []string

	// Now is the clock used for CreatedAt and LastAttemptAt.
	Now func() time.Time
}

var _ queue.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		items: make(map[string]*queue.Item),
		Now:   time.Now,
	}
}

func (s *Store) Enqueue(_ context.Context, userID string, payload json.RawMessage) (string, error) {
	item := queue.NewItem(userID, payload, s.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[item.ID] = &item
	s.order = append(s.order, item.ID)

	return item.ID, nil
}

func (s *Store) GetQueueByUser(_ context.Context, userID string) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]queue.Item, 0)
	for _, id := range s.order {
		if it := s.items[id]; it.UserID == userID {
			items = append(items, it.Clone())
		}
	}
	return items, nil
}

func (s *Store) GetQueue(_ context.Context) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]queue.Item, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.items[id].Clone())
	}
	return items, nil
}

func (s *Store) RemoveFromQueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return nil
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) IncrementAttemptCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil
	}
	it.Attempts++
	it.LastAttemptAt = s.Now().UTC()
	return nil
}

// Len returns the total number of queued items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Restore inserts items as-is, keeping their ids and counters. It is used to
// seed the store from a snapshot, such as the file backend's state.
func (s *Store) Restore(items []queue.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range items {
		if _, dup := s.items[it.ID]; dup {
			continue
		}
		c := it.Clone()
		s.items[c.ID] = &c
		s.order = append(s.order, c.ID)
	}
}
