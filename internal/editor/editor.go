// Package editor turns user intents into document mutations. The tool,
// draft, selection and viewport it holds are local to one peer and never
// replicated.
package editor

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/document"
	"github.com/masarabi/sengoku-map/internal/geom"
	"github.com/masarabi/sengoku-map/internal/shape"
)

// Document is the part of the shared document the controller drives.
type Document interface {
	Append(s shape.Shape) error
	ReplaceShape(s shape.Shape) error
	RemoveShape(id string) error
	RemoveLast() (shape.Shape, error)
	At(index int) (shape.Shape, bool)
	IndexOf(id string) int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithIDs replaces the shape id generator.
func WithIDs(newID func() string) Option {
	return func(c *Controller) { c.newID = newID }
}

// WithFills replaces the fill picker for new polygons.
func WithFills(pick func() string) Option {
	return func(c *Controller) { c.pickFill = pick }
}

// Controller is one peer's edit session state machine.
type Controller struct {
	doc      Document
	logger   *zap.Logger
	newID    func() string
	pickFill func() string

	mu        sync.Mutex
	tool      Tool
	draft     []geom.Point
	selection string
	view      geom.Viewport
}

// New returns a controller in pan mode with the identity viewport.
func New(doc Document, opts ...Option) *Controller {
	c := &Controller{
		doc:      doc,
		logger:   zap.NewNop(),
		newID:    shape.NewID,
		pickFill: func() string { return shape.RandomFill(nil) },
		tool:     Pan,
		view:     geom.Identity(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "editor"))
	return c
}

// Tool returns the active tool.
func (c *Controller) Tool() Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tool
}

// SetTool switches tools. An in-progress draft is abandoned.
func (c *Controller) SetTool(t Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.draft) > 0 {
		c.logger.Debug("Draft abandoned on tool switch", zap.Int("points", len(c.draft)))
	}
	c.tool = t
	c.draft = nil
}

// Draft returns the in-progress polygon in document space.
func (c *Controller) Draft() []geom.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]geom.Point(nil), c.draft...)
}

// Selection returns the selected shape id, or "".
func (c *Controller) Selection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection
}

// Viewport returns the local pan and zoom.
func (c *Controller) Viewport() geom.Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// SetViewport replaces the local pan and zoom.
func (c *Controller) SetViewport(v geom.Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.Zoom == 0 {
		v.Zoom = 1
	}
	c.view = v
}

// PanBy shifts the viewport by a screen-space delta.
func (c *Controller) PanBy(dx, dy float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = c.view.PanBy(dx, dy)
}

// ZoomAt zooms one wheel step around the pointer.
func (c *Controller) ZoomAt(pointer geom.Point, zoomIn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = c.view.ZoomAt(pointer, zoomIn)
}

// ToDocument converts a screen position with the current viewport.
func (c *Controller) ToDocument(screen geom.Point) geom.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.ToDocument(screen)
}

// ClickCanvas handles a click on empty canvas. With the draw tool the point
// joins the draft; with a site tool a site is added immediately.
func (c *Controller) ClickCanvas(screen geom.Point) error {
	c.mu.Lock()
	at := c.view.ToDocument(screen)
	tool := c.tool
	if tool.Kind == ToolDraw {
		c.draft = append(c.draft, at)
	}
	c.mu.Unlock()

	if tool.Kind != ToolSite {
		return nil
	}
	s := shape.NewSite(c.newID(), at, tool.Site)
	if err := c.doc.Append(s); err != nil {
		return err
	}
	c.logger.Debug("Site placed", zap.String("shapeID", s.ID), zap.String("siteType", string(s.SiteType)))
	return nil
}

// Commit finishes the draft. A draft of at least three points becomes a
// polygon; a shorter one is silently discarded. The draft is cleared either
// way, and committed reports whether a shape was added.
func (c *Controller) Commit() (committed bool, err error) {
	c.mu.Lock()
	if c.tool.Kind != ToolDraw {
		c.mu.Unlock()
		return false, nil
	}
	draft := c.draft
	c.draft = nil
	c.mu.Unlock()

	if len(draft) < geom.MinPolygonVertices {
		if len(draft) > 0 {
			c.logger.Debug("Degenerate draft discarded", zap.Int("points", len(draft)))
		}
		return false, nil
	}
	s := shape.NewPolygon(c.newID(), draft, c.pickFill())
	if err := c.doc.Append(s); err != nil {
		return false, err
	}
	c.logger.Debug("Polygon committed", zap.String("shapeID", s.ID), zap.Int("vertices", len(draft)))
	return true, nil
}

// ClickShape handles a click on a shape: the erase tool removes it, every
// other tool selects it.
func (c *Controller) ClickShape(id string) error {
	c.mu.Lock()
	erase := c.tool.Kind == ToolErase
	if !erase {
		c.selection = id
	}
	c.mu.Unlock()

	if erase {
		return c.remove(id)
	}
	return nil
}

// DeleteSelected removes the selected shape, if any.
func (c *Controller) DeleteSelected() error {
	id := c.Selection()
	if id == "" {
		return nil
	}
	return c.remove(id)
}

// DragVertex moves one vertex of the selected shape to a screen position.
// It only acts in edit mode.
func (c *Controller) DragVertex(vertex int, screen geom.Point) error {
	c.mu.Lock()
	if c.tool.Kind != ToolEdit || c.selection == "" {
		c.mu.Unlock()
		return nil
	}
	at := c.view.ToDocument(screen)
	c.mu.Unlock()

	return c.updateSelected(func(s shape.Shape) (shape.Shape, bool) {
		pts, ok := geom.SetVertex(s.Points, vertex, at)
		if !ok {
			return s, false
		}
		s.Points = pts
		return s, true
	})
}

// ApplyLabel sets the label of the selected shape.
func (c *Controller) ApplyLabel(label string) error {
	return c.updateSelected(func(s shape.Shape) (shape.Shape, bool) {
		s.Label = label
		return s, true
	})
}

// ApplyColor sets the fill of the selected shape.
func (c *Controller) ApplyColor(color string) error {
	return c.updateSelected(func(s shape.Shape) (shape.Shape, bool) {
		s.Fill = color
		return s, true
	})
}

// ToggleVisible flips the visibility flag of the selected shape.
func (c *Controller) ToggleVisible() error {
	return c.updateSelected(func(s shape.Shape) (shape.Shape, bool) {
		s.Visible = !s.Visible
		return s, true
	})
}

// Undo removes the last shape of the document. It targets paint position,
// not edit history: edits made after the last append are not undone, and the
// removed shape may belong to another peer.
func (c *Controller) Undo() error {
	last, err := c.doc.RemoveLast()
	if errors.Is(err, document.ErrIndexOutOfRange) {
		return nil
	}
	if err != nil {
		return err
	}
	c.clearSelectionIf(last.ID)
	return nil
}

func (c *Controller) remove(id string) error {
	err := c.doc.RemoveShape(id)
	c.clearSelectionIf(id)
	if errors.Is(err, document.ErrNotFound) {
		return nil
	}
	return err
}

// updateSelected replaces the selected shape with edit(current). A selection
// whose shape is gone is cleared without error.
func (c *Controller) updateSelected(edit func(shape.Shape) (shape.Shape, bool)) error {
	id := c.Selection()
	if id == "" {
		return nil
	}
	i := c.doc.IndexOf(id)
	if i < 0 {
		c.clearSelectionIf(id)
		return nil
	}
	cur, ok := c.doc.At(i)
	if !ok || cur.ID != id {
		return nil
	}
	next, changed := edit(cur)
	if !changed {
		return nil
	}
	err := c.doc.ReplaceShape(next)
	if errors.Is(err, document.ErrNotFound) {
		c.clearSelectionIf(id)
		return nil
	}
	return err
}

func (c *Controller) clearSelectionIf(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selection == id {
		c.selection = ""
	}
}
