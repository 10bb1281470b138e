// Package gws is a realtime.Channel over github.com/lxzan/gws.
package gws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/logger"
	"github.com/tidepool-social/syncqueue/pkg/realtime"
)

// TokenFunc returns the credential sent in the subscribe frame.
type TokenFunc func(ctx context.Context) (string, error)

type Channel struct {
	URL    string
	Topic  string
	Token  TokenFunc
	Header http.Header

	// AckTimeout bounds the wait for the subscription acknowledgment.
	// Zero disables it.
	AckTimeout time.Duration

	logger logger.Logger

	connLock     sync.Mutex
	conn         *gws.Conn
	dispatcher   *realtime.Dispatcher
	unsubscribed bool
}

var _ realtime.Channel = (*Channel)(nil)

func New(url, topic string, log logger.Logger) *Channel {
	return &Channel{
		URL:        url,
		Topic:      topic,
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

type websocketHandler struct {
	d *realtime.Dispatcher
}

func (h *websocketHandler) OnOpen(socket *gws.Conn) {}

func (h *websocketHandler) OnClose(socket *gws.Conn, err error) {
	h.d.Closed(err)
}

func (h *websocketHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *websocketHandler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *websocketHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	h.d.Handle(message.Bytes())
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

	handshake := constants.DefaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		handshake = time.Until(deadline)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d := realtime.NewDispatcher(l, c.logger)
	conn, res, err := gws.NewClient(&websocketHandler{d: d}, &gws.ClientOption{
		Addr:             c.URL,
		RequestHeader:    c.Header,
		HandshakeTimeout: handshake,
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: true,
		},
	})
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.unsubscribed {
		conn.NetConn().Close()
		return constants.ErrChannelClosed
	}

	if err := conn.WriteMessage(gws.OpcodeText, frame); err != nil {
		conn.NetConn().Close()
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	c.conn = conn
	c.dispatcher = d

	d.WatchAck(c.AckTimeout, func() { conn.NetConn().Close() })
	go conn.ReadLoop()

	return nil
}

// Unsubscribe sends a close frame and closes the connection. It is
// idempotent.
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

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteClose(constants.CloseMessageCode, nil); err != nil {
		c.logger.Debug("failed to write close message", "error", err)
	}

	return conn.NetConn().Close()
}
