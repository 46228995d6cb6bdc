package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/presence"
	"github.com/masarabi/sengoku-map/internal/session"
	"github.com/masarabi/sengoku-map/internal/transport"
)

func openConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	n := transport.NewNetwork(zap.NewNop())
	s, err := session.Open(context.Background(), session.Options{
		Room:     "gunroom-test01",
		Identity: presence.Peer{ID: "p1", Name: "GoldCrane", Color: "#3b82f6"},
		Dial: func(_ context.Context, roomID, peerID string) (transport.Transport, error) {
			return n.Join(roomID, peerID), nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var out bytes.Buffer
	return &console{s: s, out: &out, address: "sengoku:///#gunroom-test01"}, &out
}

func TestConsoleDrawAndEdit(t *testing.T) {
	c, out := openConsole(t)

	for _, line := range []string{"tool draw", "click 0 0", "click 10 0", "click 0 10", "commit"} {
		require.NoError(t, c.exec(line), line)
	}
	require.Equal(t, 1, c.s.Doc.Len())
	first, _ := c.s.Doc.At(0)

	require.NoError(t, c.exec("tool pan"))
	require.NoError(t, c.exec("select "+first.ID))
	require.NoError(t, c.exec("label Owari Province"))
	require.NoError(t, c.exec("color #ef4444CC"))

	got, _ := c.s.Doc.At(0)
	assert.Equal(t, "Owari Province", got.Label)
	assert.Equal(t, "#ef4444CC", got.Fill)

	require.NoError(t, c.exec("list"))
	assert.Contains(t, out.String(), `"Owari Province"`)
	assert.Contains(t, out.String(), "*  0 "+first.ID)

	require.NoError(t, c.exec("tool site:castle"))
	require.NoError(t, c.exec("click 5 5"))
	assert.Equal(t, 2, c.s.Doc.Len())

	require.NoError(t, c.exec("undo"))
	assert.Equal(t, 1, c.s.Doc.Len())
}

func TestConsoleCommitTooFewPoints(t *testing.T) {
	c, out := openConsole(t)
	for _, line := range []string{"tool draw", "click 0 0", "click 1 1", "commit"} {
		require.NoError(t, c.exec(line))
	}
	assert.Zero(t, c.s.Doc.Len())
	assert.Contains(t, out.String(), "nothing committed")
}

func TestConsoleErrors(t *testing.T) {
	c, _ := openConsole(t)
	assert.Error(t, c.exec("launch"))
	assert.Error(t, c.exec("tool catapult"))
	assert.Error(t, c.exec("click 1"))
	assert.Error(t, c.exec("click a b"))
	assert.Error(t, c.exec("zoom sideways 1 1"))
	assert.ErrorIs(t, c.exec("quit"), errQuit)
}

func TestConsoleRunStopsAtQuit(t *testing.T) {
	c, out := openConsole(t)
	script := "# a comment\n\ntool site\nclick 1 1\nbogus\nquit\nclick 2 2\n"
	require.NoError(t, c.run(strings.NewReader(script)))

	assert.Equal(t, 1, c.s.Doc.Len(), "lines after quit are ignored")
	assert.Contains(t, out.String(), `error: unknown command "bogus"`)
}

func TestConsoleExportImport(t *testing.T) {
	c, out := openConsole(t)
	require.NoError(t, c.exec("tool site:temple"))
	require.NoError(t, c.exec("click 3 4"))
	require.NoError(t, c.exec("bg https://maps.example/owari.png"))
	assert.Contains(t, out.String(), "https://maps.example/owari.png")

	path := filepath.Join(t.TempDir(), "map.json")
	require.NoError(t, c.exec("export "+path))

	require.NoError(t, c.exec("click 8 8"))
	require.Equal(t, 2, c.s.Doc.Len())

	require.NoError(t, c.exec("import "+path))
	assert.Equal(t, 1, c.s.Doc.Len())
	assert.Contains(t, out.String(), "imported 1 shapes")

	assert.Error(t, c.exec("import "+filepath.Join(t.TempDir(), "absent.json")))
}

func TestConsoleViewportAndPeers(t *testing.T) {
	c, out := openConsole(t)
	require.NoError(t, c.exec("pan 10 0"))
	require.NoError(t, c.exec("zoom in 0 0"))
	require.NoError(t, c.exec("move 30 50"))
	require.NoError(t, c.exec("peers"))
	assert.Contains(t, out.String(), "1 connected")
	assert.Contains(t, out.String(), "GoldCrane")
	assert.Contains(t, out.String(), "(you)")

	require.NoError(t, c.exec("address"))
	assert.Contains(t, out.String(), "sengoku:///#gunroom-test01")
}

func TestShareAddress(t *testing.T) {
	assert.Equal(t, "sengoku://10.0.0.5:8090/#gunroom-abc123", shareAddress("ws://10.0.0.5:8090", "gunroom-abc123"))
	assert.Equal(t, "sengoku:///#gunroom-abc123", shareAddress("", "gunroom-abc123"))
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("SENGOKU_CONFIG", "")
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"version":1,"shapes":[
		{"id":"a","type":"site","points":[1,2],"siteType":"castle"}
	]}`), 0o600))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":1,"shapes":[]}`), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"validate", good})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "ok: 1 shapes, background none")

	root = newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"validate", bad})
	assert.Error(t, root.Execute())
}

func TestConsoleListsSiteIcons(t *testing.T) {
	c, out := openConsole(t)
	require.NoError(t, c.exec("tool site:temple"))
	require.NoError(t, c.exec("click 1 1"))
	require.NoError(t, c.exec("list"))
	assert.Contains(t, out.String(), "torii")
}

func TestConsoleBackgroundOpacity(t *testing.T) {
	c, out := openConsole(t)
	require.NoError(t, c.exec("opacity"))
	assert.Contains(t, out.String(), "opacity 0.70")

	require.NoError(t, c.exec("opacity 0.25"))
	assert.Equal(t, 0.25, c.s.BackgroundOpacity())

	require.NoError(t, c.exec("opacity 3"))
	assert.Equal(t, 1.0, c.s.BackgroundOpacity())
	assert.Error(t, c.exec("opacity dim"))
}
