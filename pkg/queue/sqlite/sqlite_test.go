package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidepool-social/syncqueue/pkg/queue"
	"github.com/tidepool-social/syncqueue/pkg/queue/queuetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	})
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, "u1", json.RawMessage(`{"text":"offline post"}`))
	require.NoError(t, err)
	require.NoError(t, s.IncrementAttemptCount(ctx, id))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	items, err := reopened.GetQueueByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.JSONEq(t, `{"text":"offline post"}`, string(items[0].Payload))
}

func TestTimestamps(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "queue.db"))

	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return created }
	id, err := s.Enqueue(ctx, "u1", json.RawMessage(`{}`))
	require.NoError(t, err)

	attempted := created.Add(90 * time.Second)
	s.Now = func() time.Time { return attempted }
	require.NoError(t, s.IncrementAttemptCount(ctx, id))

	items, err := s.GetQueueByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, created.Equal(items[0].CreatedAt))
	assert.True(t, attempted.Equal(items[0].LastAttemptAt))
}

func TestClosedDatabaseIsStorageError(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Enqueue(ctx, "u1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, queue.ErrStorage)

	_, err = s.GetQueueByUser(ctx, "u1")
	assert.ErrorIs(t, err, queue.ErrStorage)
}
