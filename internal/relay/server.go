// Package relay is a websocket relay for rooms. Peers connect to
// /ws/{room}?peer=<id>; the relay forwards each peer's messages to the rest
// of the room and announces a leave when a socket drops. Several relays can
// serve the same rooms by bridging them through Redis.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/room"
	"github.com/masarabi/sengoku-map/internal/transport"
	"github.com/masarabi/sengoku-map/internal/transport/redisbus"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRedis bridges every room through Redis so that peers connected to
// different relays share it.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) { s.redis = client }
}

// WithMetrics replaces the default collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the relay's HTTP handler.
type Server struct {
	logger   *zap.Logger
	metrics  *Metrics
	redis    *redis.Client
	node     string
	upgrader websocket.Upgrader
	router   *mux.Router

	mu   sync.Mutex
	hubs map[string]*hub
}

// NewServer builds a relay with its routes.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger: zap.NewNop(),
		node:   "relay-" + uuid.NewString(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubs: make(map[string]*hub),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("sengoku_relay")
	}
	s.logger = s.logger.With(zap.String("component", "relay"), zap.String("node", s.node))

	r := mux.NewRouter()
	r.HandleFunc("/ws/{room}", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Rooms lists the rooms with at least one connection.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.hubs))
	for id := range s.hubs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Peers returns the number of sockets connected to roomID.
func (s *Server) Peers(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hubs[roomID]; ok {
		return int(h.peers.Load())
	}
	return 0
}

// Close disconnects every peer and releases the Redis bridges.
func (s *Server) Close() {
	s.mu.Lock()
	hubs := make([]*hub, 0, len(s.hubs))
	for id, h := range s.hubs {
		hubs = append(hubs, h)
		delete(s.hubs, id)
		s.metrics.Rooms.Dec()
	}
	s.mu.Unlock()

	for _, h := range hubs {
		h.stop()
	}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	if !room.Valid(roomID) {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}
	peer := r.URL.Query().Get("peer")
	if peer == "" || len(peer) > 128 {
		http.Error(w, "peer query parameter is required", http.StatusBadRequest)
		return
	}

	h, err := s.acquire(r.Context(), roomID)
	if err != nil {
		s.logger.Error("Failed to open room", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		s.release(h)
		return
	}

	c := newPeerConn(peer, h, conn)
	if !h.join(c) {
		conn.Close()
		s.release(h)
		return
	}
	go c.writePump()
	go func() {
		c.readPump()
		s.release(h)
	}()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"node":   s.node,
		"rooms":  len(s.Rooms()),
	})
}

// acquire returns the hub of roomID, starting it on first use.
func (s *Server) acquire(ctx context.Context, roomID string) (*hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hubs[roomID]; ok {
		h.refs++
		return h, nil
	}

	var bridge transport.Transport
	if s.redis != nil {
		bus, err := redisbus.Open(ctx, s.redis, roomID, s.node,
			redisbus.WithLogger(s.logger),
			redisbus.WithoutLeave(),
		)
		if err != nil {
			return nil, err
		}
		bridge = bus
	}
	h := newHub(roomID, bridge, s.metrics, s.logger)
	h.refs = 1
	s.hubs[roomID] = h
	s.metrics.Rooms.Inc()
	go h.run()
	return h, nil
}

// release drops one reference and stops the hub after its last peer left.
func (s *Server) release(h *hub) {
	s.mu.Lock()
	h.refs--
	last := h.refs <= 0 && s.hubs[h.room] == h
	if last {
		delete(s.hubs, h.room)
		s.metrics.Rooms.Dec()
	}
	s.mu.Unlock()

	if last {
		h.stop()
	}
}
