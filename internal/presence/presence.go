// Package presence keeps the ephemeral per-peer identity and cursor state of
// a room. Nothing here is ever written to the document.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/geom"
)

// Peer is the identity and last known cursor of one connected replica.
// Cursor is in document space and nil until the peer first moves.
type Peer struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Color  string      `json:"color"`
	Cursor *geom.Point `json:"cursor,omitempty"`
}

func (p Peer) clone() Peer {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	return p
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithTTL drops remote peers not refreshed within ttl. Zero disables
// expiry: peers then leave only on the transport's disconnect signal.
func WithTTL(ttl time.Duration) Option {
	return func(c *Channel) { c.ttl = ttl }
}

// WithHeartbeat re-publishes the local state every interval while Run is
// active, so that TTL expiry on other peers never drops a live peer.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Channel) { c.heartbeat = interval }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// Channel is one peer's view of the room's presence.
type Channel struct {
	publish   func(Peer)
	logger    *zap.Logger
	ttl       time.Duration
	heartbeat time.Duration
	now       func() time.Time

	notifyMu sync.Mutex

	mu       sync.Mutex
	local    Peer
	hasLocal bool
	peers    map[string]Peer
	seen     map[string]time.Time
	dirty    bool
	wake     chan struct{}

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]func(map[string]Peer)
}

// NewChannel returns a channel that hands local state to publish.
func NewChannel(publish func(Peer), opts ...Option) *Channel {
	c := &Channel{
		publish: publish,
		logger:  zap.NewNop(),
		now:     time.Now,
		peers:   make(map[string]Peer),
		seen:    make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
		subs:    make(map[int]func(map[string]Peer)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "presence"))
	return c
}

// SetLocalIdentity announces who this peer is. It is published right away.
func (c *Channel) SetLocalIdentity(id, name, color string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.hasLocal && c.local.ID != id {
		delete(c.peers, c.local.ID)
	}
	c.local.ID, c.local.Name, c.local.Color = id, name, color
	c.hasLocal = true
	c.peers[id] = c.local.clone()
	local := c.local.clone()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.send(local)
	c.notify(snap)
}

// SetLocalCursor records the pointer position. Only the latest position is
// published by Run; intermediate values may be dropped.
func (c *Channel) SetLocalCursor(x, y float64) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if !c.hasLocal {
		c.mu.Unlock()
		return
	}
	c.local.Cursor = &geom.Point{X: x, Y: y}
	c.peers[c.local.ID] = c.local.clone()
	c.dirty = true
	snap := c.snapshotLocked()
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.notify(snap)
}

// Flush publishes the pending cursor, if any.
func (c *Channel) Flush() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	c.dirty = false
	local := c.local.clone()
	c.mu.Unlock()
	c.send(local)
}

// Announce publishes the local state unconditionally.
func (c *Channel) Announce() {
	c.mu.Lock()
	if !c.hasLocal {
		c.mu.Unlock()
		return
	}
	c.dirty = false
	local := c.local.clone()
	c.mu.Unlock()
	c.send(local)
}

// Run flushes cursor updates, sends heartbeats and expires stale peers until
// ctx is done.
func (c *Channel) Run(ctx context.Context) {
	var tick <-chan time.Time
	if c.heartbeat > 0 {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.Flush()
		case <-tick:
			c.Announce()
			c.Expire(c.now())
		}
	}
}

// Apply merges a state received from a remote peer.
func (c *Channel) Apply(p Peer) {
	if p.ID == "" {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.hasLocal && p.ID == c.local.ID {
		c.mu.Unlock()
		return
	}
	_, known := c.peers[p.ID]
	c.peers[p.ID] = p.clone()
	c.seen[p.ID] = c.now()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if !known {
		c.logger.Debug("Peer joined", zap.String("peerID", p.ID), zap.String("name", p.Name))
	}
	c.notify(snap)
}

// Remove drops a peer immediately, typically on the transport's disconnect
// signal.
func (c *Channel) Remove(peerID string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.hasLocal && peerID == c.local.ID {
		c.mu.Unlock()
		return
	}
	if _, ok := c.peers[peerID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.peers, peerID)
	delete(c.seen, peerID)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("Peer left", zap.String("peerID", peerID))
	c.notify(snap)
}

// Expire removes remote peers whose last update is older than the TTL and
// returns their ids. It does nothing when no TTL is configured.
func (c *Channel) Expire(now time.Time) []string {
	if c.ttl <= 0 {
		return nil
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	var gone []string
	for id, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, id)
			delete(c.peers, id)
			gone = append(gone, id)
		}
	}
	var snap map[string]Peer
	if len(gone) > 0 {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	if len(gone) > 0 {
		c.logger.Debug("Expired silent peers", zap.Strings("peerIDs", gone))
		c.notify(snap)
	}
	return gone
}

// Peers returns the current peer map, the local peer included.
func (c *Channel) Peers() map[string]Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Count returns the number of known peers, the local peer included.
func (c *Channel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// Local returns the local peer state.
func (c *Channel) Local() Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.clone()
}

// OnChange registers fn to receive the full peer map after every change.
func (c *Channel) OnChange(fn func(map[string]Peer)) (cancel func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Channel) send(p Peer) {
	if c.publish != nil {
		c.publish(p)
	}
}

func (c *Channel) snapshotLocked() map[string]Peer {
	out := make(map[string]Peer, len(c.peers))
	for id, p := range c.peers {
		out[id] = p.clone()
	}
	return out
}

func (c *Channel) notify(snap map[string]Peer) {
	c.subsMu.Lock()
	fns := make([]func(map[string]Peer), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		cp := make(map[string]Peer, len(snap))
		for id, p := range snap {
			cp[id] = p.clone()
		}
		fn(cp)
	}
}
