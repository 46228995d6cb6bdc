// Package redisbus is a Transport over Redis pub/sub: every room is one
// channel, and every node of the room (a peer, or a relay forwarding for its
// clients) publishes and subscribes on it.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/transport"
)

// ChannelPrefix starts the pub/sub channel name of every room.
const ChannelPrefix = "sengoku:room:"

// Channel returns the pub/sub channel of room.
func Channel(room string) string {
	return ChannelPrefix + room
}

// frame is what goes over the channel. Node identifies the publishing
// process so a bus can skip its own messages, which Redis echoes back.
type frame struct {
	Node string            `json:"node"`
	Msg  transport.Message `json:"msg"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithoutLeave stops Close from publishing a leave message. A relay that
// forwards for many clients uses it, since its node id is not a peer.
func WithoutLeave() Option {
	return func(b *Bus) { b.leave = false }
}

// Bus is one node's view of a room channel. It implements
// transport.Transport.
type Bus struct {
	client  *redis.Client
	room    string
	node    string
	channel string
	logger  *zap.Logger
	leave   bool
	fanout  transport.Fanout

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ transport.Transport = (*Bus)(nil)

// NewClient connects to the Redis server at url (redis://host:port/db) and
// checks the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Open subscribes node to the channel of room. The subscription is
// confirmed before Open returns, so nothing published afterwards is missed.
func Open(ctx context.Context, client *redis.Client, room, node string, opts ...Option) (*Bus, error) {
	b := &Bus{
		client:  client,
		room:    room,
		node:    node,
		channel: Channel(room),
		logger:  zap.NewNop(),
		leave:   true,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("transport", "redis"), zap.String("channel", b.channel))

	b.pubsub = client.Subscribe(ctx, b.channel)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.loop(runCtx)
	b.logger.Debug("Subscribed to room channel", zap.String("node", node))
	return b, nil
}

// Publish sends msg to every other node of the room. From is preserved when
// set, so a relay can forward on behalf of its clients.
func (b *Bus) Publish(ctx context.Context, msg transport.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return b.publish(ctx, msg)
}

func (b *Bus) publish(ctx context.Context, msg transport.Message) error {
	msg.Room = b.room
	if msg.From == "" {
		msg.From = b.node
	}
	payload, err := json.Marshal(frame{Node: b.node, Msg: msg})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe registers a handler for messages from other nodes.
func (b *Bus) Subscribe(h transport.Handler) (cancel func()) {
	return b.fanout.Subscribe(h)
}

// Close unsubscribes and, unless disabled, tells the room this node left.
// The Redis client is owned by the caller and stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.leave {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.publish(ctx, transport.Message{Kind: transport.KindLeave}); err != nil {
			b.logger.Warn("Failed to publish leave", zap.Error(err))
		}
		cancel()
	}
	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	return err
}

func (b *Bus) loop(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
				b.logger.Warn("Dropping undecodable frame", zap.Error(err))
				continue
			}
			if f.Node == b.node {
				continue
			}
			b.fanout.Dispatch(f.Msg)
		}
	}
}
