package relay_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masarabi/sengoku-map/internal/editor"
	"github.com/masarabi/sengoku-map/internal/geom"
	"github.com/masarabi/sengoku-map/internal/presence"
	"github.com/masarabi/sengoku-map/internal/relay"
	"github.com/masarabi/sengoku-map/internal/session"
	"github.com/masarabi/sengoku-map/internal/transport"
)

func TestSessionsOverRelay(t *testing.T) {
	srv := relay.NewServer()
	ts := httptest.NewServer(srv)
	defer func() {
		srv.Close()
		ts.Close()
	}()

	dial := func(_ context.Context, roomID, peerID string) (transport.Transport, error) {
		return relay.Dial(ts.URL, roomID, peerID)
	}
	open := func(id string) *session.Session {
		s, err := session.Open(context.Background(), session.Options{
			Room:     "gunroom-e2e000",
			Identity: presence.Peer{ID: id, Name: id, Color: "#f97316"},
			Dial:     dial,
		})
		require.NoError(t, err)
		return s
	}

	a := open("a")
	defer a.Close()
	a.Editor.SetTool(editor.PlaceSite(""))
	require.Eventually(t, func() bool { return srv.Peers("gunroom-e2e000") == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Editor.ClickCanvas(geom.Point{X: 1, Y: 2}))

	b := open("b")
	require.Eventually(t, func() bool { return b.Doc.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.Presence.Count() == 2 }, 3*time.Second, 10*time.Millisecond)

	s, _ := b.Doc.At(0)
	assert.Equal(t, []float64{1, 2}, s.Points)
	assert.Equal(t, "Site", s.Label)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return a.Presence.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
}
