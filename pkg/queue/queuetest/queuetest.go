// Package queuetest is a conformance suite shared by every queue.Store backend.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidepool-social/syncqueue/pkg/queue"
)

// itemOpts compares payloads as JSON values and ignores store-assigned
// timestamps.
var itemOpts = cmp.Options{
	cmp.Comparer(func(a, b json.RawMessage) bool {
		var av, bv any
		if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
			return string(a) == string(b)
		}
		return reflect.DeepEqual(av, bv)
	}),
	cmpopts.IgnoreFields(queue.Item{}, "CreatedAt", "LastAttemptAt"),
}

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) queue.Store

// Run exercises the queue.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("EnqueueStartsAtZeroAttempts", func(t *testing.T) {
		s := newStore(t)

		id, err := s.Enqueue(ctx, "u1", json.RawMessage(`{"text":"hello"}`))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		items, err := s.GetQueueByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, items, 1)

		it := items[0]
		assert.Equal(t, id, it.ID)
		assert.Equal(t, "u1", it.UserID)
		assert.Equal(t, 0, it.Attempts)
		assert.JSONEq(t, `{"text":"hello"}`, string(it.Payload))
		assert.False(t, it.CreatedAt.IsZero())
		assert.True(t, it.LastAttemptAt.IsZero())
	})

	t.Run("GetQueueByUserIsEmptyNotNil", func(t *testing.T) {
		s := newStore(t)

		items, err := s.GetQueueByUser(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})

	t.Run("GetQueueByUserPreservesInsertionOrder", func(t *testing.T) {
		s := newStore(t)

		var ids []string
		for i := 0; i < 5; i++ {
			id, err := s.Enqueue(ctx, "u1", payload(i))
			require.NoError(t, err)
			ids = append(ids, id)
			_, err = s.Enqueue(ctx, "u2", payload(100+i))
			require.NoError(t, err)
		}

		items, err := s.GetQueueByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, items, 5)
		for i, it := range items {
			assert.Equal(t, ids[i], it.ID, "position %d", i)
			assert.Equal(t, "u1", it.UserID)
		}
	})

	t.Run("GetQueueSpansUsers", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Enqueue(ctx, "u1", payload(1))
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, "u2", payload(2))
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, "u2", payload(3))
		require.NoError(t, err)

		items, err := s.GetQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"u1": 1, "u2": 2}, queue.Count(items))
	})

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)

		var want []queue.Item
		for i, p := range []string{`{"text":"a","tags":["x","y"]}`, `{"text":"b","reply":{"to":"p1"}}`, `[]`} {
			id, err := s.Enqueue(ctx, "u1", json.RawMessage(p))
			require.NoError(t, err)
			want = append(want, queue.Item{ID: id, UserID: "u1", Payload: json.RawMessage(p)})
			if i == 1 {
				require.NoError(t, s.IncrementAttemptCount(ctx, id))
				want[i].Attempts = 1
			}
		}

		got, err := s.GetQueueByUser(ctx, "u1")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got, itemOpts); diff != "" {
			t.Errorf("queue mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("RemoveFromQueue", func(t *testing.T) {
		s := newStore(t)

		keep, err := s.Enqueue(ctx, "u1", payload(1))
		require.NoError(t, err)
		drop, err := s.Enqueue(ctx, "u1", payload(2))
		require.NoError(t, err)

		require.NoError(t, s.RemoveFromQueue(ctx, drop))

		items, err := s.GetQueueByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, keep, items[0].ID)
	})

	t.Run("RemoveFromQueueIsIdempotent", func(t *testing.T) {
		s := newStore(t)

		other, err := s.Enqueue(ctx, "u1", payload(1))
		require.NoError(t, err)
		id, err := s.Enqueue(ctx, "u1", payload(2))
		require.NoError(t, err)

		require.NoError(t, s.RemoveFromQueue(ctx, id))
		require.NoError(t, s.RemoveFromQueue(ctx, id))
		require.NoError(t, s.RemoveFromQueue(ctx, "does-not-exist"))

		items, err := s.GetQueueByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, other, items[0].ID)
		assert.Equal(t, 0, items[0].Attempts)
	})

	t.Run("IncrementAttemptCount", func(t *testing.T) {
		s := newStore(t)

		id, err := s.Enqueue(ctx, "u1", payload(1))
		require.NoError(t, err)
		other, err := s.Enqueue(ctx, "u1", payload(2))
		require.NoError(t, err)

		require.NoError(t, s.IncrementAttemptCount(ctx, id))
		require.NoError(t, s.IncrementAttemptCount(ctx, id))

		items, err := s.GetQueueByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, items, 2)

		byID := index(items)
		assert.Equal(t, 2, byID[id].Attempts)
		assert.False(t, byID[id].LastAttemptAt.IsZero())
		assert.Equal(t, 0, byID[other].Attempts)
		assert.True(t, byID[other].LastAttemptAt.IsZero())
	})

	t.Run("IncrementAttemptCountOnMissingIDIsNoop", func(t *testing.T) {
		s := newStore(t)

		id, err := s.Enqueue(ctx, "u1", payload(1))
		require.NoError(t, err)
		require.NoError(t, s.RemoveFromQueue(ctx, id))

		require.NoError(t, s.IncrementAttemptCount(ctx, id))
		require.NoError(t, s.IncrementAttemptCount(ctx, "does-not-exist"))

		items, err := s.GetQueue(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("ConcurrentEnqueue", func(t *testing.T) {
		s := newStore(t)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Enqueue(ctx, "u1", payload(i))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		items, err := s.GetQueueByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, items, n)
	})
}

func payload(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
}

func index(items []queue.Item) map[string]queue.Item {
	out := make(map[string]queue.Item, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out
}
