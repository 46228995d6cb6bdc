package transport

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Network is an in-process broadcast medium. Every endpoint joined to a room
// receives the messages the others publish, through its own queue, so a
// handler may publish from inside a callback.
type Network struct {
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]map[string]*Endpoint
}

// NewNetwork returns an empty network.
func NewNetwork(logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		logger: logger.With(zap.String("transport", "memory")),
		rooms:  make(map[string]map[string]*Endpoint),
	}
}

// Join connects peerID to room. Joining twice with the same id replaces the
// earlier endpoint.
func (n *Network) Join(room, peerID string) *Endpoint {
	ep := &Endpoint{
		net:    n,
		room:   room,
		peerID: peerID,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	n.mu.Lock()
	if n.rooms[room] == nil {
		n.rooms[room] = make(map[string]*Endpoint)
	}
	old := n.rooms[room][peerID]
	n.rooms[room][peerID] = ep
	n.mu.Unlock()
	if old != nil {
		old.stop()
	}

	go ep.loop()
	n.logger.Debug("Endpoint joined", zap.String("room", room), zap.String("peerID", peerID))
	return ep
}

// Peers lists the peers currently joined to room.
func (n *Network) Peers(room string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.rooms[room]))
	for id := range n.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (n *Network) deliver(room, from string, msg Message) {
	n.mu.Lock()
	targets := make([]*Endpoint, 0, len(n.rooms[room]))
	for id, ep := range n.rooms[room] {
		if id != from {
			targets = append(targets, ep)
		}
	}
	n.mu.Unlock()

	for _, ep := range targets {
		ep.enqueue(msg)
	}
}

func (n *Network) leave(ep *Endpoint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := n.rooms[ep.room]
	if peers[ep.peerID] != ep {
		return false
	}
	delete(peers, ep.peerID)
	if len(peers) == 0 {
		delete(n.rooms, ep.room)
	}
	return true
}

// Endpoint is one peer's connection to a Network. It implements Transport.
type Endpoint struct {
	net    *Network
	room   string
	peerID string
	fanout Fanout

	mu     sync.Mutex
	queue  []Message
	closed bool
	signal chan struct{}
	done   chan struct{}
}

var _ Transport = (*Endpoint)(nil)

// Publish broadcasts msg to every other endpoint of the room.
func (e *Endpoint) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg.Room = e.room
	if msg.From == "" {
		msg.From = e.peerID
	}
	e.net.deliver(e.room, e.peerID, msg)
	return nil
}

// Subscribe registers a handler for inbound messages.
func (e *Endpoint) Subscribe(h Handler) (cancel func()) {
	return e.fanout.Subscribe(h)
}

// Close disconnects the endpoint; the remaining peers receive a leave
// message on its behalf.
func (e *Endpoint) Close() error {
	if !e.stop() {
		return nil
	}
	if e.net.leave(e) {
		e.net.deliver(e.room, e.peerID, Message{Kind: KindLeave, Room: e.room, From: e.peerID})
	}
	return nil
}

func (e *Endpoint) stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.queue = nil
	close(e.done)
	return true
}

func (e *Endpoint) enqueue(msg Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, msg)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Endpoint) loop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}
		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			msg := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.fanout.Dispatch(msg)
		}
	}
}
