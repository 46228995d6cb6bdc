package codec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masarabi/sengoku-map/internal/shape"
)

const validPayload = `{
  "version": 1,
  "shapes": [
    {"id": "a", "type": "polygon", "points": [0,0, 10,0, 10,10], "fill": "#ef4444CC", "stroke": "#111827", "label": "Owari", "visible": false},
    {"id": "b", "type": "site", "points": [5,5], "fill": "#ffffff", "stroke": "#111827", "label": "Kiyosu", "siteType": "castle"}
  ],
  "backgroundRef": "maps/owari.png"
}`

func TestDecodeValid(t *testing.T) {
	snap, err := Decode(strings.NewReader(validPayload))
	require.NoError(t, err)

	assert.Equal(t, Version, snap.Version)
	require.Len(t, snap.Shapes, 2)
	assert.Equal(t, shape.KindPolygon, snap.Shapes[0].Kind)
	assert.Equal(t, []float64{0, 0, 10, 0, 10, 10}, snap.Shapes[0].Points)
	assert.False(t, snap.Shapes[0].Visible)
	assert.Equal(t, shape.SiteCastle, snap.Shapes[1].SiteType)
	assert.True(t, snap.Shapes[1].Visible, "visible defaults to true")
	require.NotNil(t, snap.BackgroundRef)
	assert.Equal(t, "maps/owari.png", *snap.BackgroundRef)
}

func TestDecodeLegacyBackgroundKey(t *testing.T) {
	payload := `{"version":1,"shapes":[{"id":"a","type":"polygon","points":[0,0,1,0,1,1]}],"bgUrl":"old.png"}`
	snap, err := Decode(strings.NewReader(payload))
	require.NoError(t, err)
	require.NotNil(t, snap.BackgroundRef)
	assert.Equal(t, "old.png", *snap.BackgroundRef)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"version":`},
		{"unknown version", `{"version":2,"shapes":[{"id":"a","type":"polygon","points":[0,0,1,0,1,1]}]}`},
		{"missing version", `{"shapes":[{"id":"a","type":"polygon","points":[0,0,1,0,1,1]}]}`},
		{"missing shapes", `{"version":1}`},
		{"empty shapes", `{"version":1,"shapes":[]}`},
		{"non numeric point", `{"version":1,"shapes":[{"id":"a","type":"polygon","points":[0,"x",1,0,1,1]}]}`},
		{"degenerate polygon", `{"version":1,"shapes":[{"id":"a","type":"polygon","points":[0,0,1,1]}]}`},
		{"odd coordinates", `{"version":1,"shapes":[{"id":"a","type":"polygon","points":[0,0,1,1,2,2,3]}]}`},
		{"missing id", `{"version":1,"shapes":[{"type":"polygon","points":[0,0,1,0,1,1]}]}`},
		{"unknown kind", `{"version":1,"shapes":[{"id":"a","type":"line","points":[0,0,1,0,1,1]}]}`},
		{"site without type", `{"version":1,"shapes":[{"id":"a","type":"site","points":[0,0]}]}`},
		{"site unknown type", `{"version":1,"shapes":[{"id":"a","type":"site","points":[0,0],"siteType":"shrine"}]}`},
		{"site two pairs", `{"version":1,"shapes":[{"id":"a","type":"site","points":[0,0,1,1],"siteType":"castle"}]}`},
		{"duplicate ids", `{"version":1,"shapes":[{"id":"a","type":"site","points":[0,0],"siteType":"other"},{"id":"a","type":"site","points":[1,1],"siteType":"other"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.payload))
			assert.ErrorIs(t, err, ErrMalformedImport)
		})
	}
}

func TestEncodeThenDecode(t *testing.T) {
	bg := "maps/mino.png"
	in := Snapshot{
		Shapes: []shape.Shape{
			{ID: "a", Kind: shape.KindPolygon, Points: []float64{0, 0, 4, 0, 4, 4}, Fill: "#3b82f6CC", Stroke: shape.DefaultStroke, Label: "Mino", Visible: true},
			{ID: "b", Kind: shape.KindSite, Points: []float64{2, 2}, Fill: shape.SiteFill, Stroke: shape.DefaultStroke, Label: "Temple", Visible: true, SiteType: shape.SiteTemple},
		},
		BackgroundRef: &bg,
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in))
	assert.Contains(t, buf.String(), "\n  \"version\": 1", "output is indented")

	out, err := Decode(&buf)
	require.NoError(t, err)
	in.Version = Version
	assert.Equal(t, in, out)
}

func TestEncodeFlatPointsAndNullBackground(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Snapshot{}))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Equal(t, float64(1), raw["version"])
	assert.Equal(t, []any{}, raw["shapes"])
	assert.Contains(t, raw, "backgroundRef")
	assert.Nil(t, raw["backgroundRef"])
}
