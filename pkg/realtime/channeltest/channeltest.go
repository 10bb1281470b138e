// Package channeltest checks a realtime.Channel implementation against
// internal/fakeserver.
package channeltest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepool-social/syncqueue/internal/fakeserver"
	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/realtime"
)

// Options configure one channel under test.
type Options struct {
	URL        string
	Topic      string
	Token      string
	AckTimeout time.Duration
}

// Factory builds the channel under test.
type Factory func(opts Options) realtime.Channel

const wait = 2 * time.Second

// Run exercises the channel contract.
func Run(t *testing.T, newChannel Factory) {
	ctx := context.Background()

	setup := func(t *testing.T, opts Options) (*fakeserver.Server, realtime.Channel, *Recorder) {
		t.Helper()
		srv := fakeserver.New()
		t.Cleanup(srv.Close)

		opts.URL = srv.RealtimeURL()
		if opts.Topic == "" {
			opts.Topic = "posts"
		}
		if opts.AckTimeout == 0 {
			opts.AckTimeout = wait
		}
		ch := newChannel(opts)
		rec := NewRecorder()
		return srv, ch, rec
	}

	t.Run("SubscribeIsAcknowledged", func(t *testing.T) {
		srv, ch, rec := setup(t, Options{Token: "t0k3n"})

		require.NoError(t, ch.Subscribe(ctx, rec))
		defer ch.Unsubscribe(ctx)

		require.Eventually(t, func() bool { return rec.Opened() == 1 }, wait, 5*time.Millisecond)
		assert.Equal(t, []fakeserver.Subscription{{Topic: "posts", Token: "t0k3n"}}, srv.Subscriptions())
		assert.Empty(t, rec.Errors())
	})

	t.Run("MessagesAreDelivered", func(t *testing.T) {
		srv, ch, rec := setup(t, Options{})

		require.NoError(t, ch.Subscribe(ctx, rec))
		defer ch.Unsubscribe(ctx)
		require.Eventually(t, func() bool { return rec.Opened() == 1 }, wait, 5*time.Millisecond)

		assert.Equal(t, 1, srv.Push(realtime.Message{Topic: "posts", Event: "INSERT", Payload: json.RawMessage(`{"id":1}`)}))
		assert.Equal(t, 0, srv.Push(realtime.Message{Topic: "comments", Event: "INSERT"}))

		require.Eventually(t, func() bool { return len(rec.Messages()) == 1 }, wait, 5*time.Millisecond)
		msg := rec.Messages()[0]
		assert.Equal(t, "posts", msg.Topic)
		assert.Equal(t, "INSERT", msg.Event)
		assert.JSONEq(t, `{"id":1}`, string(msg.Payload))
	})

	t.Run("DroppedConnectionIsReported", func(t *testing.T) {
		srv, ch, rec := setup(t, Options{})

		require.NoError(t, ch.Subscribe(ctx, rec))
		defer ch.Unsubscribe(ctx)
		require.Eventually(t, func() bool { return rec.Opened() == 1 }, wait, 5*time.Millisecond)

		srv.DropConnections()
		require.Eventually(t, func() bool { return len(rec.Closes()) == 1 }, wait, 5*time.Millisecond)
		assert.Error(t, rec.Closes()[0])
	})

	t.Run("ServerErrorIsReported", func(t *testing.T) {
		srv, ch, rec := setup(t, Options{Token: "expired"})
		srv.RejectToken("expired")

		require.NoError(t, ch.Subscribe(ctx, rec))
		defer ch.Unsubscribe(ctx)

		require.Eventually(t, func() bool { return len(rec.Errors()) == 1 }, wait, 5*time.Millisecond)
		var se *realtime.ServerError
		assert.True(t, errors.As(rec.Errors()[0], &se))
		assert.Equal(t, 0, rec.Opened())
	})

	t.Run("MissingAckTimesOut", func(t *testing.T) {
		srv, ch, rec := setup(t, Options{AckTimeout: 50 * time.Millisecond})
		srv.WithholdAck(true)

		require.NoError(t, ch.Subscribe(ctx, rec))
		defer ch.Unsubscribe(ctx)

		require.Eventually(t, func() bool { return len(rec.Errors()) == 1 }, wait, 5*time.Millisecond)
		assert.ErrorIs(t, rec.Errors()[0], constants.ErrAckTimeout)
		assert.Equal(t, 0, rec.Opened())

		// the transport close that follows is not reported again
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, rec.Closes())
	})

	t.Run("UnsubscribeIsQuiet", func(t *testing.T) {
		srv, ch, rec := setup(t, Options{})

		require.NoError(t, ch.Subscribe(ctx, rec))
		require.Eventually(t, func() bool { return rec.Opened() == 1 }, wait, 5*time.Millisecond)

		require.NoError(t, ch.Unsubscribe(ctx))
		require.NoError(t, ch.Unsubscribe(ctx))

		require.Eventually(t, func() bool { return srv.Connections() == 0 }, wait, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, rec.Closes())
		assert.Empty(t, rec.Errors())

		assert.ErrorIs(t, ch.Subscribe(ctx, rec), constants.ErrChannelClosed)
	})

	t.Run("UnreachableServerFailsSubscribe", func(t *testing.T) {
		srv := fakeserver.New()
		url := srv.RealtimeURL()
		srv.Close()

		ch := newChannel(Options{URL: url, Topic: "posts", AckTimeout: wait})
		dialCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		assert.Error(t, ch.Subscribe(dialCtx, NewRecorder()))
	})
}
