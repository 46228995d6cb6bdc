package presence

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/geom"
)

type sink struct {
	mu   sync.Mutex
	sent []Peer
}

func (s *sink) publish(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
}

func (s *sink) all() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Peer(nil), s.sent...)
}

func TestSetLocalIdentityPublishes(t *testing.T) {
	out := &sink{}
	c := NewChannel(out.publish, WithLogger(zap.NewNop()))

	var maps []map[string]Peer
	c.OnChange(func(m map[string]Peer) { maps = append(maps, m) })

	c.SetLocalIdentity("me", "BlueFox", "#3b82f6")
	require.Len(t, out.all(), 1)
	assert.Equal(t, Peer{ID: "me", Name: "BlueFox", Color: "#3b82f6"}, out.all()[0])
	require.Len(t, maps, 1)
	assert.Contains(t, maps[0], "me")
	assert.Equal(t, 1, c.Count())
}

func TestCursorCoalescing(t *testing.T) {
	out := &sink{}
	c := NewChannel(out.publish)
	c.SetLocalIdentity("me", "RedOwl", "#ef4444")

	c.SetLocalCursor(1, 1)
	c.SetLocalCursor(2, 2)
	c.SetLocalCursor(3, 3)
	c.Flush()
	c.Flush()

	sent := out.all()
	require.Len(t, sent, 2, "identity plus a single coalesced cursor update")
	assert.Equal(t, &geom.Point{X: 3, Y: 3}, sent[1].Cursor)
	assert.Equal(t, &geom.Point{X: 3, Y: 3}, c.Local().Cursor)
}

func TestCursorBeforeIdentityIsIgnored(t *testing.T) {
	out := &sink{}
	c := NewChannel(out.publish)
	c.SetLocalCursor(5, 5)
	c.Flush()
	assert.Empty(t, out.all())
	assert.Zero(t, c.Count())
}

func TestRunFlushesLatestCursor(t *testing.T) {
	out := &sink{}
	c := NewChannel(out.publish)
	c.SetLocalIdentity("me", "GoldCrane", "#eab308")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.SetLocalCursor(10, 20)
	assert.Eventually(t, func() bool {
		sent := out.all()
		last := sent[len(sent)-1]
		return last.Cursor != nil && *last.Cursor == geom.Point{X: 10, Y: 20}
	}, time.Second, 5*time.Millisecond)
}

func TestApplyAndRemove(t *testing.T) {
	c := NewChannel(nil)
	c.SetLocalIdentity("me", "BlackWolf", "#111827")

	var last map[string]Peer
	c.OnChange(func(m map[string]Peer) { last = m })

	c.Apply(Peer{ID: "other", Name: "WhiteDeer", Color: "#10b981", Cursor: &geom.Point{X: 4, Y: 2}})
	require.Len(t, last, 2)
	assert.Equal(t, "WhiteDeer", last["other"].Name)

	// Echoes of our own state are ignored.
	c.Apply(Peer{ID: "me", Name: "Impostor"})
	assert.Equal(t, "BlackWolf", c.Peers()["me"].Name)

	c.Remove("other")
	assert.Len(t, last, 1)
	assert.NotContains(t, c.Peers(), "other")

	// The local peer cannot be removed by a remote signal.
	c.Remove("me")
	assert.Contains(t, c.Peers(), "me")
}

func TestPeersIsACopy(t *testing.T) {
	c := NewChannel(nil)
	c.Apply(Peer{ID: "p", Cursor: &geom.Point{X: 1, Y: 1}})
	m := c.Peers()
	m["p"].Cursor.X = 100
	delete(m, "p")
	assert.Equal(t, 1.0, c.Peers()["p"].Cursor.X)
}

func TestExpire(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := NewChannel(nil, WithTTL(10*time.Second), WithClock(clock))
	c.SetLocalIdentity("me", "SilverTiger", "#06b6d4")

	c.Apply(Peer{ID: "stale"})
	now = now.Add(6 * time.Second)
	c.Apply(Peer{ID: "fresh"})

	now = now.Add(6 * time.Second)
	gone := c.Expire(now)
	assert.Equal(t, []string{"stale"}, gone)
	assert.Contains(t, c.Peers(), "fresh")
	assert.Contains(t, c.Peers(), "me", "the local peer never expires")
}

func TestExpireDisabledByDefault(t *testing.T) {
	c := NewChannel(nil)
	c.Apply(Peer{ID: "p"})
	assert.Nil(t, c.Expire(time.Now().Add(24*time.Hour)))
	assert.Contains(t, c.Peers(), "p")
}

func TestNewIdentity(t *testing.T) {
	p := NewIdentity(rand.New(rand.NewPCG(3, 4)))
	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.Name)
	assert.NotEmpty(t, p.Color)
	assert.Nil(t, p.Cursor)

	q := NewIdentity(nil)
	assert.NotEqual(t, p.ID, q.ID)
}
