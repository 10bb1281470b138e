package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepool-social/syncqueue/pkg/auth"
	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/events"
	"github.com/tidepool-social/syncqueue/pkg/network"
	"github.com/tidepool-social/syncqueue/pkg/queue"
	"github.com/tidepool-social/syncqueue/pkg/queue/memory"
	"github.com/tidepool-social/syncqueue/pkg/submit"
)

// recordingStore records mutating calls and can be told to fail.
type recordingStore struct {
	queue.Store

	mu          sync.Mutex
	removed     []string
	incremented []string
	readErr     error
	writeErr    error

	// canceled makes writes fail once their ctx is done, like the SQL and
	// Redis stores.
	canceled bool
}

func (s *recordingStore) GetQueueByUser(ctx context.Context, userID string) ([]queue.Item, error) {
	s.mu.Lock()
	err := s.readErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.GetQueueByUser(ctx, userID)
}

func (s *recordingStore) RemoveFromQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	s.removed = append(s.removed, id)
	err := s.writeErr
	if s.canceled && ctx.Err() != nil {
		err = &queue.StorageError{Op: "remove", Err: ctx.Err()}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.RemoveFromQueue(ctx, id)
}

func (s *recordingStore) IncrementAttemptCount(ctx context.Context, id string) error {
	s.mu.Lock()
	s.incremented = append(s.incremented, id)
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.IncrementAttemptCount(ctx, id)
}

func (s *recordingStore) calls() (removed, incremented []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...), append([]string(nil), s.incremented...)
}

// scriptedSubmitter answers by the "id" field of the payload.
type scriptedSubmitter struct {
	mu      sync.Mutex
	answers map[string]func() (submit.Result, error)
	seen    []string
	owners  []string
}

func (s *scriptedSubmitter) Submit(ctx context.Context, payload json.RawMessage) (submit.Result, error) {
	var body struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &body)

	s.mu.Lock()
	s.seen = append(s.seen, body.ID)
	owner, _ := auth.UserFromContext(ctx)
	s.owners = append(s.owners, owner)
	answer, ok := s.answers[body.ID]
	s.mu.Unlock()

	if !ok {
		return submit.Result{Success: true}, nil
	}
	return answer()
}

func (s *scriptedSubmitter) submittedFor() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.owners...)
}

func (s *scriptedSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func ok() (submit.Result, error) { return submit.Result{Success: true}, nil }

func resultStatus(status int) func() (submit.Result, error) {
	return func() (submit.Result, error) {
		return submit.Result{Error: &submit.ResultError{Status: status}}, nil
	}
}

func errStatus(status int) func() (submit.Result, error) {
	return func() (submit.Result, error) {
		return submit.Result{}, &submit.StatusError{Status: status, Err: errors.New("backend")}
	}
}

func item(id, userID string, attempts int) queue.Item {
	return queue.Item{
		ID:        id,
		UserID:    userID,
		Payload:   json.RawMessage(`{"id":"` + id + `"}`),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
}

type fixture struct {
	mem   *memory.Store
	store *recordingStore
	sub   *scriptedSubmitter
	mgr   *Manager
	rec   *events.Recorder
}

func newFixture(t *testing.T, cfg Config, items ...queue.Item) *fixture {
	t.Helper()

	mem := memory.New()
	mem.Restore(items)
	store := &recordingStore{Store: mem}
	sub := &scriptedSubmitter{answers: map[string]func() (submit.Result, error){}}

	cfg.Store = store
	cfg.Submitter = sub
	mgr, err := New(cfg)
	require.NoError(t, err)
	mgr.SetCurrentUser("u1")

	rec := events.Record(mgr.Bus())
	t.Cleanup(rec.Stop)

	return &fixture{mem: mem, store: store, sub: sub, mgr: mgr, rec: rec}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Submitter: submit.SubmitterFunc(nil)})
	assert.ErrorIs(t, err, constants.ErrNoStore)

	_, err = New(Config{Store: memory.New()})
	assert.ErrorIs(t, err, constants.ErrNoSubmitter)

	_, err = New(Config{Store: memory.New(), Submitter: &scriptedSubmitter{}, MaxAttempts: -1})
	assert.Error(t, err)
}

func TestProcessQueueAllDelivered(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0), item("q2", "u1", 0))
	f.sub.answers["q1"] = ok
	f.sub.answers["q2"] = ok

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)

	removed, incremented := f.store.calls()
	assert.Equal(t, []string{"q1", "q2"}, removed)
	assert.Empty(t, incremented)

	assert.Equal(t, []string{
		"SYNC_START(0/2)",
		"SYNC_PROGRESS(1/2)",
		"SYNC_PROGRESS(2/2)",
		"UPDATED",
		"SYNC_COMPLETE",
	}, eventStrings(f.rec.Events()))

	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Delivered)
	assert.Equal(t, 0, f.mem.Len())
}

func TestProcessQueueRejectedIsDropped(t *testing.T) {
	var letters []Reason
	f := newFixture(t, Config{
		DeadLetter: DeadLetterFunc(func(_ context.Context, it queue.Item, reason Reason, status int) {
			assert.Equal(t, "q3", it.ID)
			assert.Equal(t, 403, status)
			letters = append(letters, reason)
		}),
	}, item("q3", "u1", 0))
	f.sub.answers["q3"] = resultStatus(403)

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)

	removed, incremented := f.store.calls()
	assert.Equal(t, []string{"q3"}, removed)
	assert.Empty(t, incremented)
	assert.Equal(t, 1, sum.Rejected)
	assert.Equal(t, []Reason{ReasonRejected}, letters)
}

func TestProcessQueueServerErrorIsRetried(t *testing.T) {
	f := newFixture(t, Config{}, item("q4", "u1", 1))
	f.sub.answers["q4"] = errStatus(500)

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)

	removed, incremented := f.store.calls()
	assert.Empty(t, removed)
	assert.Equal(t, []string{"q4"}, incremented)
	assert.Equal(t, 1, sum.Retried)

	items, err := f.mem.GetQueueByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)
	assert.False(t, items[0].LastAttemptAt.IsZero())
}

func TestProcessQueueEmpty(t *testing.T) {
	f := newFixture(t, Config{})

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.Skipped)

	assert.Equal(t, []string{"SYNC_START(0/0)", "SYNC_COMPLETE"}, eventStrings(f.rec.Events()))
}

func TestProcessQueueClassification(t *testing.T) {
	f := newFixture(t, Config{},
		item("ok", "u1", 0),
		item("bad-request", "u1", 0),
		item("unavailable", "u1", 0),
		item("offline", "u1", 0),
		item("no-status", "u1", 0),
		item("conflict-err", "u1", 0),
	)
	f.sub.answers["ok"] = ok
	f.sub.answers["bad-request"] = resultStatus(400)
	f.sub.answers["unavailable"] = resultStatus(503)
	f.sub.answers["offline"] = func() (submit.Result, error) { return submit.Result{}, errors.New("dial tcp: refused") }
	f.sub.answers["no-status"] = func() (submit.Result, error) { return submit.Result{}, nil }
	f.sub.answers["conflict-err"] = errStatus(409)

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)

	removed, incremented := f.store.calls()
	assert.Equal(t, []string{"ok", "bad-request", "conflict-err"}, removed)
	assert.Equal(t, []string{"unavailable", "offline", "no-status"}, incremented)
	assert.Equal(t, 6, sum.Processed)
	assert.Equal(t, 6, countNamed(f.rec.Events(), events.SyncProgress))
}

func TestProcessQueueFIFOAndUserScope(t *testing.T) {
	f := newFixture(t, Config{},
		item("a1", "u1", 0),
		item("b1", "u2", 0),
		item("a2", "u1", 0),
		item("a3", "u1", 0),
	)

	_, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "a3"}, f.sub.submitted())

	left, err := f.mem.GetQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b1", left[0].ID)
}

func TestProcessQueueWithoutUser(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0))
	f.mgr.SetCurrentUser("")

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.ErrorIs(t, sum.SkipReason, constants.ErrNoCurrentUser)

	assert.Empty(t, f.rec.Events())
	assert.Empty(t, f.sub.submitted())
}

func TestProcessQueueIsNotReentrant(t *testing.T) {
	f := newFixture(t, Config{}, item("slow", "u1", 0))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.sub.answers["slow"] = func() (submit.Result, error) {
		close(entered)
		<-release
		return submit.Result{Success: true}, nil
	}

	done := make(chan error)
	go func() {
		_, err := f.mgr.ProcessQueue(context.Background())
		done <- err
	}()

	<-entered
	assert.True(t, f.mgr.Syncing())

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.ErrorIs(t, sum.SkipReason, constants.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.mgr.Syncing())

	assert.Equal(t, 1, countNamed(f.rec.Events(), events.SyncStart))
	assert.Equal(t, 1, countNamed(f.rec.Events(), events.SyncComplete))
	assert.Equal(t, []string{"slow"}, f.sub.submitted())
}

func TestProcessQueueConcurrentCallsSubmitOnce(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0), item("q2", "u1", 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.ProcessQueue(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, id := range f.sub.submitted() {
		counts[id]++
	}
	assert.Equal(t, map[string]int{"q1": 1, "q2": 1}, counts)
}

func TestProcessQueueSnapshot(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0))
	f.sub.answers["q1"] = func() (submit.Result, error) {
		_, err := f.mem.Enqueue(context.Background(), "u1", json.RawMessage(`{"id":"late"}`))
		require.NoError(t, err)
		return submit.Result{Success: true}, nil
	}

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, []string{"q1"}, f.sub.submitted())
	assert.Equal(t, 1, f.mem.Len(), "items enqueued during a pass wait for the next one")
}

func TestProcessQueueToleratesConcurrentRemoval(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0), item("q2", "u1", 0))
	f.sub.answers["q1"] = func() (submit.Result, error) {
		// another drainer got there first
		require.NoError(t, f.mem.RemoveFromQueue(context.Background(), "q2"))
		return submit.Result{Success: true}, nil
	}
	f.sub.answers["q2"] = resultStatus(500)

	_, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.mem.Len())
}

func TestProcessQueueReadFault(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0))
	f.store.readErr = &queue.StorageError{Op: "get_queue_by_user", Err: errors.New("disk gone")}

	_, err := f.mgr.ProcessQueue(context.Background())
	assert.ErrorIs(t, err, queue.ErrStorage)
	assert.Empty(t, f.rec.Events())
	assert.False(t, f.mgr.Syncing())
}

func TestProcessQueueWriteFaultAbortsPass(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0), item("q2", "u1", 0))
	f.store.writeErr = &queue.StorageError{Op: "remove", ID: "q1", Err: errors.New("read-only")}

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrStorage)
	assert.Equal(t, 0, sum.Processed)

	assert.Equal(t, []string{"q1"}, f.sub.submitted())
	assert.Equal(t, []events.Name{events.SyncStart, events.SyncComplete}, f.rec.Names())
	assert.False(t, f.mgr.Syncing())

	// the guard was released
	f.store.writeErr = nil
	_, err = f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.mem.Len())
}

func TestProcessQueueCanceledBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, Config{}, item("q1", "u1", 0), item("q2", "u1", 0))
	f.store.canceled = true
	f.sub.answers["q1"] = func() (submit.Result, error) {
		cancel()
		return submit.Result{Success: true}, nil
	}

	sum, err := f.mgr.ProcessQueue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, []string{"q1"}, f.sub.submitted())

	last, _ := f.rec.Last()
	assert.Equal(t, events.SyncComplete, last.Name)

	// the delivered item is removed even though ctx ended with its submission
	left, err := f.mem.GetQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "q2", left[0].ID)
}

func TestProcessQueueSubmitsForItemOwner(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0), item("q2", "u1", 0))

	// switching users mid-pass does not change whom the snapshot is sent for
	f.sub.answers["q1"] = func() (submit.Result, error) {
		f.mgr.SetCurrentUser("u2")
		return submit.Result{Success: true}, nil
	}

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Delivered)
	assert.Equal(t, []string{"u1", "u1"}, f.sub.submittedFor())
}

func TestProcessQueueOffline(t *testing.T) {
	nw := network.NewManual(false)
	f := newFixture(t, Config{Network: nw, Interval: 10 * time.Millisecond, MaxAttempts: 2},
		item("q1", "u1", 0))
	f.sub.answers["q1"] = func() (submit.Result, error) {
		return submit.Result{}, errors.New("dial tcp: connection refused")
	}

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.ErrorIs(t, sum.SkipReason, constants.ErrOffline)
	assert.False(t, f.mgr.Online())

	require.NoError(t, f.mgr.Init(context.Background()))
	t.Cleanup(func() { f.mgr.Close() })
	time.Sleep(60 * time.Millisecond)

	assert.Empty(t, f.sub.submitted(), "timer ticks do not drain while offline")
	assert.Empty(t, f.rec.Events())
	items, err := f.mem.GetQueueByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Attempts)

	f.sub.answers["q1"] = ok
	nw.SetOnline(true)
	require.Eventually(t, func() bool { return f.mem.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestProcessQueueCanceledDuringSubmitLeavesItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, Config{}, item("q1", "u1", 0))
	f.sub.answers["q1"] = func() (submit.Result, error) {
		cancel()
		return submit.Result{}, context.Canceled
	}

	_, err := f.mgr.ProcessQueue(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	removed, incremented := f.store.calls()
	assert.Empty(t, removed)
	assert.Empty(t, incremented)
}

func TestProcessQueueMaxAttempts(t *testing.T) {
	var letters []queue.Item
	f := newFixture(t, Config{
		MaxAttempts: 3,
		DeadLetter: DeadLetterFunc(func(_ context.Context, it queue.Item, reason Reason, _ int) {
			assert.Equal(t, ReasonExhausted, reason)
			letters = append(letters, it)
		}),
	}, item("q1", "u1", 1))
	f.sub.answers["q1"] = resultStatus(502)

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	assert.Equal(t, 1, f.mem.Len())

	sum, err = f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DeadLettered)
	assert.Equal(t, 0, f.mem.Len())

	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].Attempts)
}

func TestProcessQueueDeadLetterPanicIsContained(t *testing.T) {
	f := newFixture(t, Config{
		DeadLetter: DeadLetterFunc(func(context.Context, queue.Item, Reason, int) { panic("boom") }),
	}, item("q1", "u1", 0), item("q2", "u1", 0))
	f.sub.answers["q1"] = resultStatus(400)

	sum, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
}

func TestAttemptsNeverDecrease(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0))
	f.sub.answers["q1"] = resultStatus(500)

	prev := 0
	for i := 0; i < 4; i++ {
		_, err := f.mgr.ProcessQueue(context.Background())
		require.NoError(t, err)

		items, err := f.mem.GetQueueByUser(context.Background(), "u1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Greater(t, items[0].Attempts, prev)
		prev = items[0].Attempts
	}
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t, Config{})

	id, err := f.mgr.Enqueue(context.Background(), "", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []events.Name{events.Updated}, f.rec.Names())

	pending, err := f.mgr.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u1", pending[0].UserID)
	assert.Equal(t, 0, pending[0].Attempts)

	_, err = f.mgr.Enqueue(context.Background(), "u2", json.RawMessage(`{nope`))
	assert.ErrorIs(t, err, constants.ErrInvalidPayload)

	f.mgr.SetCurrentUser("")
	_, err = f.mgr.Enqueue(context.Background(), "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, constants.ErrEmptyUserID)

	pending, err = f.mgr.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLastSummary(t *testing.T) {
	f := newFixture(t, Config{}, item("q1", "u1", 0))

	_, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)

	last := f.mgr.LastSummary()
	assert.Equal(t, "u1", last.UserID)
	assert.Equal(t, 1, last.Delivered)
	assert.False(t, last.FinishedAt.Before(last.StartedAt))
}

func TestSummaryJSON(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(Summary{
		UserID:     "u1",
		Total:      2,
		Delivered:  2,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		SkipReason: constants.ErrOffline,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "2026-03-01T12:00:00Z", got["startedAt"])
	assert.Equal(t, "2026-03-01T12:00:01Z", got["finishedAt"])
	assert.NotContains(t, got, "SkipReason")

	data, err = json.Marshal(Summary{Skipped: true})
	require.NoError(t, err)
	var skipped map[string]any
	require.NoError(t, json.Unmarshal(data, &skipped))
	assert.Equal(t, "0001-01-01T00:00:00Z", skipped["startedAt"])
}

func TestInitNetworkTrigger(t *testing.T) {
	nw := network.NewManual(false)
	f := newFixture(t, Config{Network: nw, Interval: -1}, item("q1", "u1", 0))

	require.NoError(t, f.mgr.Init(context.Background()))
	require.NoError(t, f.mgr.Init(context.Background()))
	t.Cleanup(func() { f.mgr.Close() })

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.sub.submitted(), "nothing drains until the network comes back")

	nw.SetOnline(true)
	require.Eventually(t, func() bool { return f.mem.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestInitTimer(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond}, item("q1", "u1", 0))
	f.sub.answers["q1"] = resultStatus(500)

	require.NoError(t, f.mgr.Init(context.Background()))
	t.Cleanup(func() { f.mgr.Close() })

	require.Eventually(t, func() bool {
		_, incremented := f.store.calls()
		return len(incremented) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsTriggers(t *testing.T) {
	nw := network.NewManual(false)
	f := newFixture(t, Config{Network: nw, Interval: -1}, item("q1", "u1", 0))

	require.NoError(t, f.mgr.Init(context.Background()))
	require.NoError(t, f.mgr.Close())
	require.NoError(t, f.mgr.Close())

	nw.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.sub.submitted())

	assert.ErrorIs(t, f.mgr.Init(context.Background()), constants.ErrManagerClosed)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, Config{Metrics: NewMetrics(reg)},
		item("q1", "u1", 0), item("q2", "u1", 0), item("q3", "u1", 0))
	f.sub.answers["q2"] = resultStatus(404)
	f.sub.answers["q3"] = resultStatus(500)

	_, err := f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)
	f.mgr.SetCurrentUser("")
	_, err = f.mgr.ProcessQueue(context.Background())
	require.NoError(t, err)

	m := f.mgr.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues("retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.depth))
}

func eventStrings(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.String()
	}
	return out
}

func countNamed(evs []events.Event, name events.Name) int {
	n := 0
	for _, e := range evs {
		if e.Name == name {
			n++
		}
	}
	return n
}
