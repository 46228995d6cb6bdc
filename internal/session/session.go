// Package session binds one peer's document, presence channel and editor to
// a room transport. A Session is the explicit context a caller threads
// through every operation; nothing here is package-level state.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/codec"
	"github.com/masarabi/sengoku-map/internal/document"
	"github.com/masarabi/sengoku-map/internal/editor"
	"github.com/masarabi/sengoku-map/internal/geom"
	"github.com/masarabi/sengoku-map/internal/presence"
	"github.com/masarabi/sengoku-map/internal/room"
	"github.com/masarabi/sengoku-map/internal/transport"
)

// publishTimeout bounds every outbound publish so a stalled transport never
// blocks editing.
const publishTimeout = 5 * time.Second

// DefaultBackgroundOpacity is the opacity of the background raster until the
// user changes it.
const DefaultBackgroundOpacity = 0.7

var ErrNoRoom = errors.New("session needs a room or an address")

// DialFunc connects peerID to the transport of room.
type DialFunc func(ctx context.Context, room, peerID string) (transport.Transport, error)

// Options configures Open.
type Options struct {
	// Room is used as is when set; otherwise it is resolved from Address.
	Room    string
	Address room.Address

	// Identity defaults to a random presence.NewIdentity.
	Identity presence.Peer

	Dial   DialFunc
	Logger *zap.Logger

	// PresenceTTL and Heartbeat are passed to the presence channel. Both
	// zero leaves peer removal to the transport's leave signal.
	PresenceTTL time.Duration
	Heartbeat   time.Duration
}

// Session is one connected peer.
type Session struct {
	Room     string
	Me       presence.Peer
	Doc      *document.Document
	Presence *presence.Channel
	Editor   *editor.Controller

	tr     transport.Transport
	logger *zap.Logger
	cancel context.CancelFunc
	unsubs []func()

	mu         sync.Mutex
	background *string
	bgOpacity  float64

	closeOnce sync.Once
	closeErr  error
}

// Open resolves the room, connects the transport, wires replication and
// says hello to the peers already in the room.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Dial == nil {
		return nil, errors.New("session: Dial is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	roomID, err := resolveRoom(opts)
	if err != nil {
		return nil, err
	}
	me := opts.Identity
	if me.ID == "" {
		me = presence.NewIdentity(nil)
	}

	tr, err := opts.Dial(ctx, roomID, me.ID)
	if err != nil {
		return nil, fmt.Errorf("dial room %s: %w", roomID, err)
	}

	logger = logger.With(zap.String("room", roomID), zap.String("peerID", me.ID))
	s := &Session{
		Room:      roomID,
		Me:        me,
		tr:        tr,
		logger:    logger,
		bgOpacity: DefaultBackgroundOpacity,
	}
	s.Doc = document.New(me.ID, logger)
	s.Presence = presence.NewChannel(s.publishPresence,
		presence.WithLogger(logger),
		presence.WithTTL(opts.PresenceTTL),
		presence.WithHeartbeat(opts.Heartbeat),
	)
	s.Editor = editor.New(s.Doc, editor.WithLogger(logger))

	s.unsubs = append(s.unsubs,
		tr.Subscribe(s.handle),
		s.Doc.OnLocalBatch(s.publishBatch),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.Presence.Run(runCtx)

	s.Presence.SetLocalIdentity(me.ID, me.Name, me.Color)
	s.hello()

	logger.Info("Session opened", zap.String("name", me.Name))
	return s, nil
}

func resolveRoom(opts Options) (string, error) {
	if opts.Room != "" {
		if !room.Valid(opts.Room) {
			return "", fmt.Errorf("room %q: %w", opts.Room, room.ErrInvalidRoom)
		}
		return opts.Room, nil
	}
	if opts.Address == nil {
		return "", ErrNoRoom
	}
	return room.NewResolver(opts.Address).Resolve()
}

// Import validates r as a snapshot and replaces the whole room with it. The
// replacement reaches every peer as one batch. A malformed payload leaves the
// document untouched.
func (s *Session) Import(r io.Reader) error {
	snap, err := codec.Decode(r)
	if err != nil {
		return err
	}
	if err := s.Doc.ClearAndLoad(snap.Shapes); err != nil {
		return fmt.Errorf("load import: %w", err)
	}
	s.SetBackground(snap.BackgroundRef)
	s.logger.Info("Snapshot imported", zap.Int("shapes", len(snap.Shapes)))
	return nil
}

// Export writes the current shapes and background reference.
func (s *Session) Export(w io.Writer) error {
	return codec.Encode(w, codec.Snapshot{
		Shapes:        s.Doc.Snapshot(),
		BackgroundRef: s.Background(),
	})
}

// Background returns the background raster reference, or nil.
func (s *Session) Background() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.background == nil {
		return nil
	}
	ref := *s.background
	return &ref
}

// SetBackground replaces the background reference. Nil clears it.
func (s *Session) SetBackground(ref *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == nil {
		s.background = nil
		return
	}
	v := *ref
	s.background = &v
}

// BackgroundOpacity returns the local display opacity of the background.
func (s *Session) BackgroundOpacity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bgOpacity
}

// SetBackgroundOpacity sets the local display opacity of the background,
// clamped to [0, 1]. It is neither replicated nor exported.
func (s *Session) SetBackgroundOpacity(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bgOpacity = math.Max(0, math.Min(1, v))
}

// PointerMoved records the local pointer, given in screen space, as the
// presence cursor.
func (s *Session) PointerMoved(screen geom.Point) {
	at := s.Editor.ToDocument(screen)
	s.Presence.SetLocalCursor(at.X, at.Y)
}

// Close tells the room this peer is leaving and releases the transport.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.cancel()
		s.send(transport.KindLeave, nil)
		s.closeErr = s.tr.Close()
		s.logger.Info("Session closed")
	})
	return s.closeErr
}

func (s *Session) handle(msg transport.Message) {
	if msg.From == s.Me.ID {
		return
	}
	if msg.Room != "" && msg.Room != s.Room {
		s.logger.Warn("Dropping message for another room", zap.String("msgRoom", msg.Room))
		return
	}

	switch msg.Kind {
	case transport.KindOps, transport.KindSync:
		var b document.Batch
		if err := msg.Decode(&b); err != nil {
			s.logger.Warn("Dropping undecodable batch", zap.String("from", msg.From), zap.Error(err))
			return
		}
		s.Doc.Apply(b)
	case transport.KindHello:
		s.logger.Debug("Peer said hello", zap.String("from", msg.From))
		s.send(transport.KindSync, s.Doc.State())
		s.Presence.Announce()
	case transport.KindPresence:
		var p presence.Peer
		if err := msg.Decode(&p); err != nil {
			s.logger.Warn("Dropping undecodable presence", zap.String("from", msg.From), zap.Error(err))
			return
		}
		if p.ID != msg.From {
			s.logger.Warn("Dropping presence for another peer",
				zap.String("from", msg.From), zap.String("claimed", p.ID))
			return
		}
		s.Presence.Apply(p)
	case transport.KindLeave:
		s.Presence.Remove(msg.From)
	case transport.KindConnected:
		s.logger.Info("Transport reconnected, resynchronizing")
		s.hello()
	default:
		s.logger.Debug("Ignoring unknown message kind", zap.String("kind", string(msg.Kind)))
	}
}

// hello asks the room for its state and offers ours, so that edits made
// while disconnected reach the others.
func (s *Session) hello() {
	s.send(transport.KindHello, nil)
	if s.Doc.Len() > 0 {
		s.send(transport.KindSync, s.Doc.State())
	}
	s.Presence.Announce()
}

func (s *Session) publishBatch(b document.Batch) {
	s.send(transport.KindOps, b)
}

func (s *Session) publishPresence(p presence.Peer) {
	s.send(transport.KindPresence, p)
}

func (s *Session) send(kind transport.Kind, body any) {
	msg, err := transport.NewMessage(kind, s.Room, s.Me.ID, body)
	if err != nil {
		s.logger.Error("Failed to encode message", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err = s.tr.Publish(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrDisconnected):
		s.logger.Debug("Offline, message dropped", zap.String("kind", string(kind)))
	default:
		s.logger.Warn("Publish failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
