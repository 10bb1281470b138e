// Package gorillaws is a realtime.Channel over github.com/gorilla/websocket.
package gorillaws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/logger"
	"github.com/tidepool-social/syncqueue/pkg/realtime"
)

// DefaultDialer is gorilla's default dialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// TokenFunc returns the credential sent in the subscribe frame.
type TokenFunc func(ctx context.Context) (string, error)

type Channel struct {
	URL    string
	Topic  string
	Token  TokenFunc
	Header http.Header
	Dialer *gorilla.Dialer

	// AckTimeout bounds the wait for the subscription acknowledgment.
	// Zero disables it.
	AckTimeout time.Duration

	logger logger.Logger

	// connLock guards conn and the unsubscribed flag.
	connLock     sync.Mutex
	conn         *gorilla.Conn
	dispatcher   *realtime.Dispatcher
	unsubscribed bool
}

var _ realtime.Channel = (*Channel)(nil)

func New(url, topic string, log logger.Logger) *Channel {
	return &Channel{
		URL:        url,
		Topic:      topic,
		Dialer:     DefaultDialer,
		AckTimeout: constants.DefaultAckTimeout,
		logger:     logger.OrNop(log),
	}
}

// NewFunc returns a realtime.NewFunc that builds a fresh channel per attempt.
func NewFunc(url, topic string, token TokenFunc, log logger.Logger) realtime.NewFunc {
	return func(context.Context) (realtime.Channel, error) {
		c := New(url, topic, log)
		c.Token = token
		return c, nil
	}
}

func (c *Channel) Subscribe(ctx context.Context, l realtime.Listener) error {
	c.connLock.Lock()
	if c.unsubscribed {
		c.connLock.Unlock()
		return constants.ErrChannelClosed
	}
	if c.conn != nil {
		c.connLock.Unlock()
		return fmt.Errorf("channel is already subscribed")
	}
	c.connLock.Unlock()

	var token string
	if c.Token != nil {
		var err error
		if token, err = c.Token(ctx); err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
	}
	frame, err := realtime.EncodeSubscribe(c.Topic, token)
	if err != nil {
		return err
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	conn, res, err := dialer.DialContext(ctx, c.URL, c.Header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.unsubscribed {
		conn.Close()
		return constants.ErrChannelClosed
	}

	if err := conn.WriteMessage(gorilla.TextMessage, frame); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	d := realtime.NewDispatcher(l, c.logger)
	c.conn = conn
	c.dispatcher = d

	d.WatchAck(c.AckTimeout, func() { conn.Close() })
	go c.readLoop(conn, d)

	return nil
}

func (c *Channel) readLoop(conn *gorilla.Conn, d *realtime.Dispatcher) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				err = constants.ErrChannelClosed
			}
			d.Closed(err)
			return
		}
		d.Handle(data)
	}
}

// Unsubscribe sends a close frame, bounded by ctx's deadline, and closes the
// connection. It is idempotent.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.connLock.Lock()
	if c.unsubscribed {
		c.connLock.Unlock()
		return nil
	}
	c.unsubscribed = true
	conn, d := c.conn, c.dispatcher
	c.conn, c.dispatcher = nil, nil
	c.connLock.Unlock()

	if conn == nil {
		return nil
	}
	d.Stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
	if err := conn.WriteControl(gorilla.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("failed to write close message", "error", err)
	}

	return conn.Close()
}
