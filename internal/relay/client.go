package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/transport"
)

// WebsocketURL builds the room endpoint of the relay at base. base may use
// ws, wss, http, https or the sengoku share scheme; path and fragment are
// ignored.
func WebsocketURL(base, roomID, peer string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "", "http", "sengoku":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay address %q has no host", base)
	}
	u.Path = "/ws/" + url.PathEscape(roomID)
	u.RawPath = ""
	u.Fragment = ""
	u.RawQuery = url.Values{"peer": {peer}}.Encode()
	return u.String(), nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithBackOff replaces the reconnect policy. newBackOff is called once per
// outage.
func WithBackOff(newBackOff func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// DefaultBackOff retries forever, from 250ms up to 10s between attempts.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Client is a peer's connection to a relay room. It implements
// transport.Transport and reconnects on its own; every time a link comes up
// its handlers receive a local KindConnected message.
type Client struct {
	url        string
	room       string
	peer       string
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
	fanout     transport.Fanout

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	link *link
}

type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

var _ transport.Transport = (*Client)(nil)

// Dial starts connecting peer to roomID on the relay at base. It returns at
// once; until the first link is up Publish reports
// transport.ErrDisconnected.
func Dial(base, roomID, peer string, opts ...ClientOption) (*Client, error) {
	u, err := WebsocketURL(base, roomID, peer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:        u,
		room:       roomID,
		peer:       peer,
		dialer:     websocket.DefaultDialer,
		newBackOff: DefaultBackOff,
		logger:     zap.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("transport", "relay"), zap.String("room", roomID))
	go c.run()
	return c, nil
}

// Connected reports whether a link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Publish sends msg to the room.
func (c *Client) Publish(ctx context.Context, msg transport.Message) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	msg.Room = c.room
	if msg.From == "" {
		msg.From = c.peer
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return transport.ErrDisconnected
	}
	select {
	case l.send <- payload:
		return nil
	case <-l.done:
		return transport.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for room messages.
func (c *Client) Subscribe(h transport.Handler) (cancel func()) {
	return c.fanout.Subscribe(h)
}

// Close stops reconnecting and closes the current link.
func (c *Client) Close() error {
	if c.ctx.Err() != nil {
		<-c.done
		return nil
	}
	c.cancel()
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		l.conn.Close()
	}
	<-c.done
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	for {
		conn, err := c.connect()
		if err != nil {
			return
		}
		c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Relay link lost, reconnecting")
	}
}

// connect dials until it succeeds or the client is closed.
func (c *Client) connect() (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		ws, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("Relay dial failed", zap.Duration("retryIn", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), c.ctx), notify); err != nil {
		return nil, err
	}
	if err := c.ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// serve runs one link until it drops.
func (c *Client) serve(conn *websocket.Conn) {
	l := &link{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.link = l
	c.mu.Unlock()

	written := make(chan struct{})
	go func() {
		writePump(conn, l.send, l.done, c.logger)
		close(written)
	}()

	c.logger.Info("Relay link up")
	c.fanout.Dispatch(transport.Message{Kind: transport.KindConnected, Room: c.room})

	prepareRead(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Relay read error", zap.Error(err))
			}
			break
		}
		var msg transport.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}
		if msg.Room != "" && msg.Room != c.room {
			continue
		}
		c.fanout.Dispatch(msg)
	}

	c.mu.Lock()
	c.link = nil
	c.mu.Unlock()
	close(l.done)
	conn.Close()
	<-written
}
