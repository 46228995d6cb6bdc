package editor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masarabi/sengoku-map/internal/document"
	"github.com/masarabi/sengoku-map/internal/geom"
	"github.com/masarabi/sengoku-map/internal/shape"
)

func newController(t *testing.T) (*Controller, *document.Document) {
	t.Helper()
	doc := document.New("me", nil)
	n := 0
	c := New(doc,
		WithIDs(func() string { n++; return fmt.Sprintf("s%d", n) }),
		WithFills(func() string { return "#ef4444CC" }),
	)
	return c, doc
}

func drawPolygon(t *testing.T, c *Controller, pts ...geom.Point) {
	t.Helper()
	c.SetTool(Draw)
	for _, p := range pts {
		require.NoError(t, c.ClickCanvas(p))
	}
	ok, err := c.Commit()
	require.NoError(t, err)
	require.True(t, ok)
}

var triangle = []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}

func TestCommitThreshold(t *testing.T) {
	c, doc := newController(t)
	c.SetTool(Draw)

	require.NoError(t, c.ClickCanvas(geom.Point{X: 1, Y: 1}))
	require.NoError(t, c.ClickCanvas(geom.Point{X: 2, Y: 2}))
	ok, err := c.Commit()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, doc.Len())
	assert.Empty(t, c.Draft(), "draft is cleared even when discarded")

	for _, p := range triangle {
		require.NoError(t, c.ClickCanvas(p))
	}
	ok, err = c.Commit()
	require.NoError(t, err)
	assert.True(t, ok)
	require.Equal(t, 1, doc.Len())

	s, _ := doc.At(0)
	assert.Equal(t, shape.KindPolygon, s.Kind)
	assert.Equal(t, []float64{0, 0, 10, 0, 0, 10}, s.Points)
	assert.Equal(t, "#ef4444CC", s.Fill)
	assert.True(t, s.Visible)
	assert.Empty(t, c.Draft())
}

func TestDraftUsesDocumentSpace(t *testing.T) {
	c, doc := newController(t)
	c.SetViewport(geom.Viewport{Pan: geom.Point{X: 100, Y: 50}, Zoom: 2})
	drawPolygon(t, c, geom.Point{X: 100, Y: 50}, geom.Point{X: 120, Y: 50}, geom.Point{X: 100, Y: 70})

	s, _ := doc.At(0)
	assert.Equal(t, []float64{0, 0, 10, 0, 0, 10}, s.Points)
}

func TestSetToolAbandonsDraft(t *testing.T) {
	c, doc := newController(t)
	c.SetTool(Draw)
	require.NoError(t, c.ClickCanvas(geom.Point{X: 1, Y: 1}))
	require.Len(t, c.Draft(), 1)

	c.SetTool(Pan)
	assert.Empty(t, c.Draft())
	c.SetTool(Draw)
	ok, err := c.Commit()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, doc.Len())
}

func TestClickCanvasOutsideDrawIsNoop(t *testing.T) {
	c, doc := newController(t)
	require.NoError(t, c.ClickCanvas(geom.Point{X: 1, Y: 1}))
	assert.Empty(t, c.Draft())
	assert.Zero(t, doc.Len())
}

func TestPlaceSite(t *testing.T) {
	c, doc := newController(t)
	c.SetTool(PlaceSite(shape.SiteTemple))
	require.NoError(t, c.ClickCanvas(geom.Point{X: 7, Y: 8}))

	require.Equal(t, 1, doc.Len())
	s, _ := doc.At(0)
	assert.Equal(t, shape.KindSite, s.Kind)
	assert.Equal(t, shape.SiteTemple, s.SiteType)
	assert.Equal(t, "Temple", s.Label)
	assert.Equal(t, []float64{7, 8}, s.Points)
}

func TestUndoRemovesLastShapeNotLastEdit(t *testing.T) {
	c, doc := newController(t)
	drawPolygon(t, c, triangle...)
	drawPolygon(t, c, triangle...)
	drawPolygon(t, c, triangle...)

	c.SetTool(Label)
	require.NoError(t, c.ClickShape("s1"))
	require.NoError(t, c.ApplyLabel("Owari"))
	require.NoError(t, c.ClickShape("s2"))
	require.NoError(t, c.ApplyColor("#3b82f6CC"))

	require.NoError(t, c.Undo())

	snap := doc.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "s1", snap[0].ID)
	assert.Equal(t, "Owari", snap[0].Label)
	assert.Equal(t, "s2", snap[1].ID)
	assert.Equal(t, "#3b82f6CC", snap[1].Fill)
	assert.Equal(t, "s2", c.Selection())
}

func TestUndoClearsSelectionOfRemovedShape(t *testing.T) {
	c, doc := newController(t)
	drawPolygon(t, c, triangle...)
	require.NoError(t, c.ClickShape("s1"))

	require.NoError(t, c.Undo())
	assert.Zero(t, doc.Len())
	assert.Empty(t, c.Selection())
	require.NoError(t, c.Undo(), "undo on an empty document is a no-op")
}

// interleavingDoc applies a pending remote batch right before the first
// document read or removal made by the controller.
type interleavingDoc struct {
	*document.Document
	pending func()
}

func (d *interleavingDoc) interleave() {
	if d.pending != nil {
		apply := d.pending
		d.pending = nil
		apply()
	}
}

func (d *interleavingDoc) At(index int) (shape.Shape, bool) {
	d.interleave()
	return d.Document.At(index)
}

func (d *interleavingDoc) RemoveLast() (shape.Shape, error) {
	d.interleave()
	return d.Document.RemoveLast()
}

func TestUndoWithRemoteRemovalInFlight(t *testing.T) {
	doc := document.New("me", nil)
	wrapped := &interleavingDoc{Document: doc}
	n := 0
	c := New(wrapped, WithIDs(func() string { n++; return fmt.Sprintf("s%d", n) }))
	drawPolygon(t, c, triangle...)
	drawPolygon(t, c, triangle...)
	require.NoError(t, c.ClickShape("s2"))

	remote := document.New("remote", nil)
	remote.Apply(doc.State())
	var batches []document.Batch
	remote.OnLocalBatch(func(b document.Batch) { batches = append(batches, b) })
	require.NoError(t, remote.RemoveShape("s1"))
	require.Len(t, batches, 1)
	wrapped.pending = func() { doc.Apply(batches[0]) }

	require.NoError(t, c.Undo())
	assert.Zero(t, doc.Len(), "undo removes the shape that is last when it runs")
	assert.Empty(t, c.Selection())
}

func TestEraseTool(t *testing.T) {
	c, doc := newController(t)
	drawPolygon(t, c, triangle...)
	drawPolygon(t, c, triangle...)
	require.NoError(t, c.ClickShape("s2"))

	c.SetTool(Erase)
	require.NoError(t, c.ClickShape("s2"))
	assert.Equal(t, 1, doc.Len())
	assert.Empty(t, c.Selection())

	require.NoError(t, c.ClickShape("missing"), "erasing a shape removed elsewhere is not an error")
}

func TestDeleteSelected(t *testing.T) {
	c, doc := newController(t)
	drawPolygon(t, c, triangle...)
	require.NoError(t, c.DeleteSelected())
	assert.Equal(t, 1, doc.Len())

	require.NoError(t, c.ClickShape("s1"))
	require.NoError(t, c.DeleteSelected())
	assert.Zero(t, doc.Len())
	assert.Empty(t, c.Selection())
}

func TestDragVertex(t *testing.T) {
	c, doc := newController(t)
	drawPolygon(t, c, triangle...)
	require.NoError(t, c.ClickShape("s1"))

	require.NoError(t, c.DragVertex(1, geom.Point{X: 20, Y: 5}))
	s, _ := doc.At(0)
	assert.Equal(t, []float64{0, 0, 10, 0, 0, 10}, s.Points, "only the edit tool drags")

	c.SetTool(Edit)
	require.NoError(t, c.DragVertex(1, geom.Point{X: 20, Y: 5}))
	s, _ = doc.At(0)
	assert.Equal(t, []float64{0, 0, 20, 5, 0, 10}, s.Points)

	require.NoError(t, c.DragVertex(9, geom.Point{X: 1, Y: 1}))
	s, _ = doc.At(0)
	assert.Equal(t, []float64{0, 0, 20, 5, 0, 10}, s.Points)
}

func TestToggleVisible(t *testing.T) {
	c, doc := newController(t)
	drawPolygon(t, c, triangle...)
	require.NoError(t, c.ClickShape("s1"))

	require.NoError(t, c.ToggleVisible())
	s, _ := doc.At(0)
	assert.False(t, s.Visible)
	assert.Equal(t, 1, doc.Len(), "hidden shapes stay in the document")

	require.NoError(t, c.ToggleVisible())
	s, _ = doc.At(0)
	assert.True(t, s.Visible)
}

func TestEditAfterRemoteRemoveClearsSelection(t *testing.T) {
	c, doc := newController(t)
	drawPolygon(t, c, triangle...)
	require.NoError(t, c.ClickShape("s1"))

	require.NoError(t, doc.RemoveShape("s1"))
	require.NoError(t, c.ApplyLabel("gone"))
	assert.Empty(t, c.Selection())
	assert.Zero(t, doc.Len())
}

func TestViewportIntents(t *testing.T) {
	c, _ := newController(t)
	c.PanBy(10, 20)
	assert.Equal(t, geom.Point{X: 10, Y: 20}, c.Viewport().Pan)

	pointer := geom.Point{X: 200, Y: 100}
	before := c.ToDocument(pointer)
	c.ZoomAt(pointer, true)
	assert.InDelta(t, geom.WheelScaleStep, c.Viewport().Zoom, 1e-9)
	after := c.ToDocument(pointer)
	assert.InDelta(t, before.X, after.X, 1e-9)
	assert.InDelta(t, before.Y, after.Y, 1e-9)
}

func TestParseTool(t *testing.T) {
	tests := []struct {
		in      string
		want    Tool
		wantErr bool
	}{
		{in: "draw", want: Draw},
		{in: " Erase ", want: Erase},
		{in: "site:castle", want: PlaceSite(shape.SiteCastle)},
		{in: "site", want: PlaceSite(shape.SiteOther)},
		{in: "site:shrine", wantErr: true},
		{in: "pan:x", wantErr: true},
		{in: "lasso", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTool(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, must(ParseTool(got.String())))
		})
	}
}

func must(t Tool, err error) Tool {
	if err != nil {
		panic(err)
	}
	return t
}
