package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/transport"
)

// inbound is a message entering the hub. from is nil for messages bridged
// in from another relay.
type inbound struct {
	from *peerConn
	msg  transport.Message
}

// hub fans the messages of one room out to its connected peers and, when a
// bridge is set, to the other relays serving the same room.
type hub struct {
	room    string
	logger  *zap.Logger
	metrics *Metrics
	bridge  transport.Transport

	clients    map[*peerConn]bool
	register   chan *peerConn
	unregister chan *peerConn
	broadcast  chan inbound

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	unbridge func()

	// refs counts connections holding the hub; guarded by Server.mu.
	refs int
	// peers mirrors len(clients) for readers outside run.
	peers atomic.Int32
}

func newHub(room string, bridge transport.Transport, metrics *Metrics, logger *zap.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &hub{
		room:       room,
		logger:     logger.With(zap.String("room", room)),
		metrics:    metrics,
		bridge:     bridge,
		clients:    make(map[*peerConn]bool),
		register:   make(chan *peerConn),
		unregister: make(chan *peerConn),
		broadcast:  make(chan inbound, sendBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if bridge != nil {
		h.unbridge = bridge.Subscribe(func(m transport.Message) {
			h.metrics.Bridged.WithLabelValues("in").Inc()
			h.enqueue(inbound{msg: m})
		})
	}
	return h
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
				h.metrics.Connections.Dec()
			}
			h.peers.Store(0)
			return

		case c := <-h.register:
			h.clients[c] = true
			h.peers.Store(int32(len(h.clients)))
			h.metrics.Connections.Inc()
			h.logger.Info("Peer connected", zap.String("peerID", c.peer), zap.Int("peers", len(h.clients)))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				h.logger.Info("Peer disconnected", zap.String("peerID", c.peer), zap.Int("peers", len(h.clients)))
			}

		case in := <-h.broadcast:
			h.deliver(in)
		}
	}
}

// deliver writes in.msg to every client except its sender. A client whose
// buffer is full is evicted.
func (h *hub) deliver(in inbound) {
	payload, err := json.Marshal(in.msg)
	if err != nil {
		h.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	var slow []*peerConn
	for c := range h.clients {
		if c == in.from {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.logger.Warn("Evicting slow peer", zap.String("peerID", c.peer))
		h.metrics.Evictions.Inc()
		h.drop(c)
	}
}

// drop removes c and, unless the same peer is still connected through
// another socket, tells the room it left.
func (h *hub) drop(c *peerConn) {
	delete(h.clients, c)
	close(c.send)
	h.peers.Store(int32(len(h.clients)))
	h.metrics.Connections.Dec()
	for other := range h.clients {
		if other.peer == c.peer {
			return
		}
	}
	h.deliver(inbound{msg: transport.Message{Kind: transport.KindLeave, Room: h.room, From: c.peer}})
}

// join registers c; it reports false when the hub is shutting down.
func (h *hub) join(c *peerConn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *hub) leave(c *peerConn) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
	if h.bridge != nil {
		h.forward(transport.Message{Kind: transport.KindLeave, Room: h.room, From: c.peer})
	}
}

// publish hands a message read from c to the room and to the bridge. It is
// called from c's read loop, so messages of one peer keep their order.
func (h *hub) publish(c *peerConn, msg transport.Message) {
	h.enqueue(inbound{from: c, msg: msg})
	if h.bridge != nil {
		h.forward(msg)
	}
}

func (h *hub) enqueue(in inbound) {
	select {
	case h.broadcast <- in:
	case <-h.ctx.Done():
	}
}

func (h *hub) forward(msg transport.Message) {
	ctx, cancel := context.WithTimeout(h.ctx, writeWait)
	defer cancel()
	if err := h.bridge.Publish(ctx, msg); err != nil {
		h.logger.Warn("Bridge publish failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		return
	}
	h.metrics.Bridged.WithLabelValues("out").Inc()
}

func (h *hub) stop() {
	h.stopOnce.Do(func() {
		if h.unbridge != nil {
			h.unbridge()
		}
		if h.bridge != nil {
			if err := h.bridge.Close(); err != nil {
				h.logger.Warn("Failed to close bridge", zap.Error(err))
			}
		}
		h.cancel()
		<-h.done
	})
}

// peerConn is one peer's websocket on the relay.
type peerConn struct {
	peer   string
	hub    *hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

func newPeerConn(peer string, h *hub, conn *websocket.Conn) *peerConn {
	return &peerConn{
		peer:   peer,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: h.logger.With(zap.String("peerID", peer)),
	}
}

// readPump pumps messages from the websocket to the hub. The relay stamps
// every message with the connection's room and peer id.
func (c *peerConn) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	prepareRead(c.conn)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Websocket read error", zap.Error(err))
			}
			return
		}
		var msg transport.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}
		if msg.Kind == transport.KindConnected {
			continue
		}
		msg.Room = c.hub.room
		msg.From = c.peer
		c.hub.metrics.Messages.WithLabelValues(string(msg.Kind)).Inc()
		c.hub.publish(c, msg)
	}
}

func (c *peerConn) writePump() {
	writePump(c.conn, c.send, nil, c.logger)
}
