package editor

import (
	"fmt"
	"strings"

	"github.com/masarabi/sengoku-map/internal/shape"
)

// ToolKind is the active editing mode.
type ToolKind string

const (
	ToolPan   ToolKind = "pan"
	ToolDraw  ToolKind = "draw"
	ToolEdit  ToolKind = "edit"
	ToolErase ToolKind = "erase"
	ToolLabel ToolKind = "label"
	ToolSite  ToolKind = "site"
)

// Tool is a ToolKind plus, for ToolSite, the site type being placed.
type Tool struct {
	Kind ToolKind
	Site shape.SiteType
}

// Pan, Draw, Edit, Erase and Label are the parameterless tools.
var (
	Pan   = Tool{Kind: ToolPan}
	Draw  = Tool{Kind: ToolDraw}
	Edit  = Tool{Kind: ToolEdit}
	Erase = Tool{Kind: ToolErase}
	Label = Tool{Kind: ToolLabel}
)

// PlaceSite is the tool that drops sites of type t.
func PlaceSite(t shape.SiteType) Tool {
	return Tool{Kind: ToolSite, Site: t}
}

func (t Tool) String() string {
	if t.Kind == ToolSite {
		return string(t.Kind) + ":" + string(t.Site)
	}
	return string(t.Kind)
}

// ParseTool parses the String form, e.g. "draw" or "site:castle".
func ParseTool(s string) (Tool, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(strings.ToLower(s)), ":")
	switch ToolKind(kind) {
	case ToolPan, ToolDraw, ToolEdit, ToolErase, ToolLabel:
		if arg != "" {
			return Tool{}, fmt.Errorf("tool %q takes no argument", kind)
		}
		return Tool{Kind: ToolKind(kind)}, nil
	case ToolSite:
		st := shape.SiteType(arg)
		if arg == "" {
			st = shape.SiteOther
		}
		if !st.Valid() {
			return Tool{}, fmt.Errorf("unknown site type %q", arg)
		}
		return PlaceSite(st), nil
	}
	return Tool{}, fmt.Errorf("unknown tool %q", s)
}
