// Package codec reads and writes the portable snapshot of a room's shapes.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/masarabi/sengoku-map/internal/geom"
	"github.com/masarabi/sengoku-map/internal/shape"
)

// Version is the only snapshot version this codec reads and writes.
const Version = 1

// ErrMalformedImport wraps every reason an import payload is rejected.
var ErrMalformedImport = errors.New("malformed import")

// Snapshot is the exported state of a room. Presence never appears here.
type Snapshot struct {
	Version       int           `json:"version"`
	Shapes        []shape.Shape `json:"shapes"`
	BackgroundRef *string       `json:"backgroundRef"`
}

// wireShape mirrors shape.Shape with the optional fields a hand-edited or
// older file may omit.
type wireShape struct {
	ID       string    `json:"id" validate:"required,max=128"`
	Kind     string    `json:"type" validate:"required,oneof=polygon site"`
	Points   []float64 `json:"points" validate:"required"`
	Fill     string    `json:"fill" validate:"max=64"`
	Stroke   string    `json:"stroke" validate:"max=64"`
	Label    string    `json:"label" validate:"max=256"`
	Visible  *bool     `json:"visible"`
	SiteType string    `json:"siteType" validate:"required_if=Kind site"`
}

type wireSnapshot struct {
	Version       *int        `json:"version" validate:"required"`
	Shapes        []wireShape `json:"shapes" validate:"required,min=1,dive"`
	BackgroundRef *string     `json:"backgroundRef"`
	LegacyBgURL   *string     `json:"bgUrl"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode writes snap as indented JSON. The version is always set to Version.
func Encode(w io.Writer, snap Snapshot) error {
	snap.Version = Version
	if snap.Shapes == nil {
		snap.Shapes = []shape.Shape{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Decode reads and validates a snapshot. Nothing is returned unless the
// whole payload is valid, so callers can replace a document all-or-nothing.
func Decode(r io.Reader) (Snapshot, error) {
	var w wireSnapshot
	if err := json.NewDecoder(r).Decode(&w); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}
	if w.Version != nil && *w.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedImport, *w.Version)
	}
	if err := validate.Struct(w); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrMalformedImport, describe(err))
	}

	snap := Snapshot{
		Version:       Version,
		Shapes:        make([]shape.Shape, 0, len(w.Shapes)),
		BackgroundRef: w.BackgroundRef,
	}
	if snap.BackgroundRef == nil {
		snap.BackgroundRef = w.LegacyBgURL
	}

	seen := make(map[string]struct{}, len(w.Shapes))
	for i, ws := range w.Shapes {
		if _, dup := seen[ws.ID]; dup {
			return Snapshot{}, fmt.Errorf("%w: shape %d: duplicate id %q", ErrMalformedImport, i, ws.ID)
		}
		seen[ws.ID] = struct{}{}

		s := shape.Shape{
			ID:      ws.ID,
			Kind:    shape.Kind(ws.Kind),
			Points:  ws.Points,
			Fill:    ws.Fill,
			Stroke:  ws.Stroke,
			Label:   ws.Label,
			Visible: ws.Visible == nil || *ws.Visible,
		}
		if s.Kind == shape.KindSite {
			s.SiteType = shape.SiteType(ws.SiteType)
		}
		if err := checkGeometry(s); err != nil {
			return Snapshot{}, fmt.Errorf("%w: shape %d (%s): %v", ErrMalformedImport, i, ws.ID, err)
		}
		snap.Shapes = append(snap.Shapes, s)
	}
	return snap, nil
}

func checkGeometry(s shape.Shape) error {
	if !geom.Finite(s.Points) {
		return errors.New("points must be finite numbers")
	}
	switch s.Kind {
	case shape.KindPolygon:
		if len(s.Points)%2 != 0 {
			return fmt.Errorf("odd number of coordinates (%d)", len(s.Points))
		}
		if geom.VertexCount(s.Points) < geom.MinPolygonVertices {
			return fmt.Errorf("polygon needs at least %d vertices", geom.MinPolygonVertices)
		}
	case shape.KindSite:
		if len(s.Points) != 2 {
			return fmt.Errorf("site needs exactly one coordinate pair, got %d values", len(s.Points))
		}
		if !s.SiteType.Valid() {
			return fmt.Errorf("unknown site type %q", s.SiteType)
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := strings.TrimPrefix(fe.Namespace(), "wireSnapshot.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", ns, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", ns, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
