package gws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidepool-social/syncqueue/internal/fakeserver"
	"github.com/tidepool-social/syncqueue/pkg/realtime"
	"github.com/tidepool-social/syncqueue/pkg/realtime/channeltest"
)

func TestChannel(t *testing.T) {
	channeltest.Run(t, func(opts channeltest.Options) realtime.Channel {
		c := New(opts.URL, opts.Topic, nil)
		c.AckTimeout = opts.AckTimeout
		if opts.Token != "" {
			c.Token = func(context.Context) (string, error) { return opts.Token, nil }
		}
		return c
	})
}

func TestManagerConnects(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	got := make(chan realtime.Message, 1)
	m, err := realtime.New(realtime.Config{
		NewChannel: NewFunc(srv.RealtimeURL(), "posts", nil, nil),
		Retryer:    realtime.NoRetry{},
		OnMessage:  func(msg realtime.Message) { got <- msg },
	})
	require.NoError(t, err)
	defer m.Close(context.Background())

	m.SetGate(realtime.Gate{Authenticated: true, Hydrated: true})
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

	srv.Push(realtime.Message{Topic: "posts", Event: "UPDATE"})
	select {
	case msg := <-got:
		require.Equal(t, "UPDATE", msg.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}
