// Package file is a queue.Store persisted as a single JSON document, the
// on-disk counterpart of a browser's local storage. Every mutation rewrites
// the document atomically (temp file + rename).
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/tidepool-social/syncqueue/pkg/queue"
	"github.com/tidepool-social/syncqueue/pkg/queue/memory"
)

const (
	permission = 0600
	version    = 1
)

type document struct {
	Version int          `json:"version"`
	Items   []queue.Item `json:"items"`
}

// Store keeps the queue in memory and mirrors it to path after every write.
//
// If a write to disk fails the operation returns a *queue.StorageError and the
// in-memory state keeps the change; the next successful write persists it.
// A failed Enqueue is rolled back so the caller never sees an id it was not
// given.
type Store struct {
	path string
	mem  *memory.Store
	mu   sync.Mutex
}

var _ queue.Store = (*Store)(nil)

// Open loads path, creating an empty queue when it does not exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, mem: memory.New()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, queue.Wrap("open", "", err)
	}

	var doc document
	if err := gojson.Unmarshal(data, &doc); err != nil {
		return nil, queue.Wrap("open", "", fmt.Errorf("decode %s: %w", path, err))
	}
	if doc.Version != version {
		return nil, queue.Wrap("open", "", fmt.Errorf("unsupported document version %d", doc.Version))
	}
	s.mem.Restore(doc.Items)

	return s, nil
}

// SetClock overrides the clock used for item timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mem.Now = now
}

func (s *Store) Enqueue(ctx context.Context, userID string, payload json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.mem.Enqueue(ctx, userID, payload)
	if err != nil {
		return "", err
	}
	if err := s.flush(ctx); err != nil {
		_ = s.mem.RemoveFromQueue(ctx, id)
		return "", queue.Wrap("enqueue", "", err)
	}
	return id, nil
}

func (s *Store) GetQueueByUser(ctx context.Context, userID string) ([]queue.Item, error) {
	return s.mem.GetQueueByUser(ctx, userID)
}

func (s *Store) GetQueue(ctx context.Context) ([]queue.Item, error) {
	return s.mem.GetQueue(ctx)
}

func (s *Store) RemoveFromQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.mem.Len()
	if err := s.mem.RemoveFromQueue(ctx, id); err != nil {
		return err
	}
	if s.mem.Len() == before {
		return nil
	}
	return queue.Wrap("remove", id, s.flush(ctx))
}

func (s *Store) IncrementAttemptCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.IncrementAttemptCount(ctx, id); err != nil {
		return err
	}
	return queue.Wrap("increment", id, s.flush(ctx))
}

// flush writes the full queue to a temp file in the same directory and
// renames it over path.
func (s *Store) flush(ctx context.Context) error {
	items, err := s.mem.GetQueue(ctx)
	if err != nil {
		return err
	}

	data, err := gojson.Marshal(document{Version: version, Items: items})
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".syncqueue-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, permission); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}
