package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewManual(false)

	var got []bool
	cancel := m.Subscribe(func(online bool) { got = append(got, online) })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.Online())

	cancel()
	cancel()
	m.SetOnline(true)
	assert.Len(t, got, 2)
}

func TestManualNilSubscriber(t *testing.T) {
	m := NewManual(true)
	cancel := m.Subscribe(nil)
	cancel()
	m.SetOnline(false)
}

func TestManualSubscriberMayUnsubscribeDuringNotify(t *testing.T) {
	m := NewManual(false)

	var cancel func()
	calls := 0
	cancel = m.Subscribe(func(bool) {
		calls++
		cancel()
	})

	m.SetOnline(true)
	m.SetOnline(false)
	assert.Equal(t, 1, calls)
}

func TestAlwaysOnline(t *testing.T) {
	var p StatusProvider = AlwaysOnline{}
	assert.True(t, p.Online())
	p.Subscribe(func(bool) { t.Fatal("unexpected notification") })()
}

func TestProbeCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, nil)
	var got []bool
	p.Subscribe(func(online bool) { got = append(got, online) })

	assert.True(t, p.Check(context.Background()))

	status.Store(http.StatusNotFound)
	assert.True(t, p.Check(context.Background()), "a 4xx means the server answered")

	status.Store(http.StatusBadGateway)
	assert.False(t, p.Check(context.Background()))

	assert.Equal(t, []bool{true, false}, got)
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewProbe(url, nil)
	assert.False(t, p.Check(context.Background()))
}

func TestProbeStartStop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, nil)
	p.Interval = 10 * time.Millisecond

	became := make(chan bool, 1)
	p.Subscribe(func(online bool) { became <- online })

	p.Start(context.Background())
	p.Start(context.Background())

	select {
	case online := <-became:
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("probe never reported online")
	}

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
	n := hits.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, hits.Load())
}
