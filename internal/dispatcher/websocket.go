package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"okxgate/internal/okx"
	"okxgate/internal/ratelimit"
	"okxgate/logger"
)

type dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Conn is one OKX WebSocket session. Writes are serialised; reads must come
// from a single goroutine.
type Conn struct {
	d       *Dispatcher
	ws      *websocket.Conn
	private bool
	writeMu sync.Mutex
	log     *logger.Entry
}

// Event is a decoded OKX push or operation reply.
type Event struct {
	Event  string            `json:"event"`
	Code   string            `json:"code"`
	Msg    string            `json:"msg"`
	ConnID string            `json:"connId"`
	Arg    map[string]string `json:"arg"`
	Data   json.RawMessage   `json:"data"`
}

type wsRequest struct {
	Op   string `json:"op"`
	Args any    `json:"args"`
}

// DialPublic opens a public stream connection.
func (d *Dispatcher) DialPublic(ctx context.Context) (*Conn, error) {
	return d.dial(ctx, d.urls.WSPublic, false)
}

// DialPrivate opens a private connection. It still has to Login before
// subscribing to private channels.
func (d *Dispatcher) DialPrivate(ctx context.Context) (*Conn, error) {
	if !d.cfg.Credentials.Valid() {
		return nil, ErrMissingCredentials
	}
	return d.dial(ctx, d.urls.WSPrivate, true)
}

// Every handshake attempt counts against WSConnection, failed ones included,
// so the reservation is kept even when the dial fails.
func (d *Dispatcher) dial(ctx context.Context, target string, private bool) (*Conn, error) {
	if _, err := d.limiter.Acquire(ctx, okx.WSConnectionLimitID); err != nil {
		return nil, err
	}
	header := http.Header{"User-Agent": {d.cfg.UserAgent}}
	ws, _, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		d.log.WithComponent("dispatcher").WithError(err).WithFields(logger.Fields{"url": target}).Warn("websocket dial failed")
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := &Conn{
		d:       d,
		ws:      ws,
		private: private,
		log:     d.log.WithComponent("dispatcher").WithFields(logger.Fields{"url": target, "private": private}),
	}
	c.log.Info("websocket connected")
	return c, nil
}

// Private reports whether c was opened with DialPrivate.
func (c *Conn) Private() bool {
	return c.private
}

// Login authenticates a private connection and waits for the reply.
func (c *Conn) Login(ctx context.Context) error {
	if !c.private {
		return fmt.Errorf("login: %w", ErrPrivateChannel)
	}
	args, err := c.d.cfg.Credentials.login()
	if err != nil {
		return err
	}
	res, err := c.d.limiter.Acquire(ctx, okx.WSLoginLimitID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wsRequest{Op: "login", Args: []loginArgs{args}})
	if err != nil {
		res.Release()
		return err
	}
	if err := c.write(ctx, websocket.TextMessage, payload, res); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	for {
		evt, err := c.readEvent(ctx)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		switch evt.Event {
		case "login":
			if evt.Code != "" && evt.Code != "0" {
				return &APIError{Code: evt.Code, Msg: evt.Msg}
			}
			c.log.Info("websocket login succeeded")
			return nil
		case "error":
			return &APIError{Code: evt.Code, Msg: evt.Msg}
		}
	}
}

// Subscribe sends one subscribe frame for channel. Each args map adds one
// subscription entry; "channel" is filled in. Without args a single entry
// with only the channel name is sent.
func (c *Conn) Subscribe(ctx context.Context, channel string, args ...map[string]string) error {
	if okx.IsPrivateChannel(channel) && !c.private {
		return fmt.Errorf("%w: %s", ErrPrivateChannel, channel)
	}
	res, err := c.d.limiter.Acquire(ctx, channel)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		args = []map[string]string{{}}
	}
	entries := make([]map[string]string, 0, len(args))
	for _, a := range args {
		entry := make(map[string]string, len(a)+1)
		for k, v := range a {
			entry[k] = v
		}
		entry["channel"] = channel
		entries = append(entries, entry)
	}
	payload, err := json.Marshal(wsRequest{Op: "subscribe", Args: entries})
	if err != nil {
		res.Release()
		return err
	}
	if err := c.write(ctx, websocket.TextMessage, payload, res); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.log.WithFields(logger.Fields{"channel": channel, "args": len(entries)}).Debug("subscribed")
	return nil
}

// Ping sends the text keepalive; OKX answers with "pong".
func (c *Conn) Ping(ctx context.Context) error {
	return c.write(ctx, websocket.TextMessage, []byte("ping"), nil)
}

// ReadMessage returns the next frame. The connection is considered dead if
// nothing arrives within okx.MessageReceiveTimeout.
func (c *Conn) ReadMessage() ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(okx.MessageReceiveTimeout)); err != nil {
		return nil, err
	}
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

// ReadEvent reads and decodes the next frame. A "pong" keepalive is
// returned as Event{Event: "pong"}.
func (c *Conn) ReadEvent() (Event, error) {
	msg, err := c.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	return decodeEvent(msg)
}

func (c *Conn) readEvent(ctx context.Context) (Event, error) {
	deadline := time.Now().Add(okx.MessageReceiveTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return Event{}, err
	}
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	return decodeEvent(msg)
}

func decodeEvent(msg []byte) (Event, error) {
	if string(msg) == "pong" {
		return Event{Event: "pong"}, nil
	}
	var evt Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		return Event{}, fmt.Errorf("decode okx event: %w", err)
	}
	return evt, nil
}

// write sends one frame. If it fails before anything reached the socket the
// reservation for it is rolled back; res may be nil.
func (c *Conn) write(ctx context.Context, messageType int, data []byte, res *ratelimit.Reservation) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.d.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		res.Release()
		return err
	}
	err := c.ws.WriteMessage(messageType, data)
	if err != nil && unsent(err) {
		res.Release()
	}
	return err
}

// unsent reports whether a write failed because the connection was already
// closed on our side, so no frame went out.
func unsent(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
