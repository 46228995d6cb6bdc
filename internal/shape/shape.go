// Package shape defines the only durable entity of a map: the Shape record.
package shape

import (
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/masarabi/sengoku-map/internal/geom"
)

// Kind tags a shape as an area or a point of interest.
type Kind string

const (
	KindPolygon Kind = "polygon"
	KindSite    Kind = "site"
)

// SiteType fixes the default label and icon of a site.
type SiteType string

const (
	SiteCastle SiteType = "castle"
	SiteTemple SiteType = "temple"
	SiteOther  SiteType = "other"
)

// Valid reports whether t is one of the known site types.
func (t SiteType) Valid() bool {
	switch t {
	case SiteCastle, SiteTemple, SiteOther:
		return true
	}
	return false
}

// DefaultLabel is the label a freshly placed site of this type carries.
func (t SiteType) DefaultLabel() string {
	switch t {
	case SiteCastle:
		return "Castle"
	case SiteTemple:
		return "Temple"
	default:
		return "Site"
	}
}

// Icon names the marker glyph the render layer draws for this site type.
func (t SiteType) Icon() string {
	switch t {
	case SiteCastle:
		return "castle"
	case SiteTemple:
		return "torii"
	default:
		return "pin"
	}
}

// Palette is the set of fill colors handed out to new polygons and peers.
var Palette = []string{
	"#ef4444", "#f97316", "#f59e0b", "#84cc16", "#10b981", "#06b6d4",
	"#3b82f6", "#8b5cf6", "#ec4899", "#14b8a6", "#eab308",
}

const (
	// FillAlpha is appended to palette colors for polygon fills.
	FillAlpha = "CC"
	// DefaultStroke outlines every new shape.
	DefaultStroke = "#111827"
	// SiteFill is the marker fill of new sites.
	SiteFill = "#ffffff"
)

// Shape is a polygon ("county") or a site. Points are stored flat in
// document space; a site holds exactly one pair.
type Shape struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"type"`
	Points   []float64 `json:"points"`
	Fill     string    `json:"fill"`
	Stroke   string    `json:"stroke"`
	Label    string    `json:"label"`
	Visible  bool      `json:"visible"`
	SiteType SiteType  `json:"siteType,omitempty"`
}

// NewID returns a fresh globally unique shape id.
func NewID() string {
	return uuid.NewString()
}

// RandomFill picks a palette color with the polygon alpha suffix.
func RandomFill(r *rand.Rand) string {
	var i int
	if r == nil {
		i = rand.IntN(len(Palette))
	} else {
		i = r.IntN(len(Palette))
	}
	return Palette[i] + FillAlpha
}

// NewPolygon builds a visible polygon from document-space vertices.
func NewPolygon(id string, vertices []geom.Point, fill string) Shape {
	return Shape{
		ID:      id,
		Kind:    KindPolygon,
		Points:  geom.Flatten(vertices),
		Fill:    fill,
		Stroke:  DefaultStroke,
		Visible: true,
	}
}

// NewSite builds a visible site at a document-space coordinate.
func NewSite(id string, at geom.Point, t SiteType) Shape {
	if !t.Valid() {
		t = SiteOther
	}
	return Shape{
		ID:       id,
		Kind:     KindSite,
		Points:   []float64{at.X, at.Y},
		Fill:     SiteFill,
		Stroke:   DefaultStroke,
		Label:    t.DefaultLabel(),
		Visible:  true,
		SiteType: t,
	}
}

// Clone returns a deep copy so callers can never alias another replica's
// point slice.
func (s Shape) Clone() Shape {
	if s.Points != nil {
		pts := make([]float64, len(s.Points))
		copy(pts, s.Points)
		s.Points = pts
	}
	return s
}

// LabelAnchor is where the render layer places the label: the centroid of a
// polygon or the site coordinate.
func (s Shape) LabelAnchor() (geom.Point, bool) {
	return geom.Centroid(s.Points)
}

// Committable reports whether the shape satisfies the geometry invariant of
// its kind.
func (s Shape) Committable() bool {
	switch s.Kind {
	case KindPolygon:
		return geom.ValidPolygon(s.Points)
	case KindSite:
		return len(s.Points) == 2 && geom.Finite(s.Points) && s.SiteType.Valid()
	}
	return false
}
