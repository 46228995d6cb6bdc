package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/masarabi/sengoku-map/internal/editor"
	"github.com/masarabi/sengoku-map/internal/geom"
	"github.com/masarabi/sengoku-map/internal/session"
	"github.com/masarabi/sengoku-map/internal/shape"
)

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  tool <pan|draw|edit|erase|label|site[:castle|temple|other]>
  click <x> <y>          canvas click in screen space
  commit                 finish the polygon being drawn
  select <id>            click a shape (erases it with the erase tool)
  drag <vertex> <x> <y>  move a vertex of the selection (edit tool)
  label <text>           label the selection
  color <color>          fill the selection
  toggle                 show or hide the selection
  delete                 remove the selection
  undo                   remove the last shape
  pan <dx> <dy>          move the viewport
  zoom <in|out> <x> <y>  zoom one step around a screen point
  move <x> <y>           move the pointer (shared cursor)
  list                   print the shapes
  peers                  print who is here
  export [file]          write a snapshot (stdout by default)
  import <file>          replace the room with a snapshot
  bg [ref]               show or set the background reference
  opacity [0..1]         show or set the background opacity
  address                print the invitation address
  quit`

// console drives a session from line commands, the headless counterpart of
// the map canvas.
type console struct {
	s       *session.Session
	out     io.Writer
	address string
}

func (c *console) run(in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := c.exec(line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func (c *console) exec(line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	ed := c.s.Editor

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit":
		return errQuit

	case "tool":
		if len(args) != 1 {
			return errors.New("usage: tool <name>")
		}
		t, err := editor.ParseTool(args[0])
		if err != nil {
			return err
		}
		ed.SetTool(t)
		fmt.Fprintf(c.out, "tool %s\n", t)
	case "click":
		p, err := point(args)
		if err != nil {
			return err
		}
		return ed.ClickCanvas(p)
	case "commit":
		ok, err := ed.Commit()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(c.out, "nothing committed")
		}
	case "select":
		if len(args) != 1 {
			return errors.New("usage: select <id>")
		}
		return ed.ClickShape(args[0])
	case "drag":
		if len(args) != 3 {
			return errors.New("usage: drag <vertex> <x> <y>")
		}
		i, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("vertex: %w", err)
		}
		p, err := point(args[1:])
		if err != nil {
			return err
		}
		return ed.DragVertex(i, p)
	case "label":
		return ed.ApplyLabel(rest)
	case "color":
		if len(args) != 1 {
			return errors.New("usage: color <color>")
		}
		return ed.ApplyColor(args[0])
	case "toggle":
		return ed.ToggleVisible()
	case "delete":
		return ed.DeleteSelected()
	case "undo":
		return ed.Undo()

	case "pan":
		p, err := point(args)
		if err != nil {
			return err
		}
		ed.PanBy(p.X, p.Y)
	case "zoom":
		if len(args) != 3 || (args[0] != "in" && args[0] != "out") {
			return errors.New("usage: zoom <in|out> <x> <y>")
		}
		p, err := point(args[1:])
		if err != nil {
			return err
		}
		ed.ZoomAt(p, args[0] == "in")
	case "move":
		p, err := point(args)
		if err != nil {
			return err
		}
		c.s.PointerMoved(p)

	case "list":
		c.list()
	case "peers":
		c.peers()
	case "export":
		if len(args) == 0 {
			return c.s.Export(c.out)
		}
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		if err := c.s.Export(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case "import":
		if len(args) != 1 {
			return errors.New("usage: import <file>")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		if err := c.s.Import(f); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "imported %d shapes\n", c.s.Doc.Len())
	case "bg":
		if rest != "" {
			c.s.SetBackground(&rest)
		}
		if bg := c.s.Background(); bg != nil {
			fmt.Fprintln(c.out, *bg)
		} else {
			fmt.Fprintln(c.out, "no background")
		}
	case "opacity":
		if len(args) > 1 {
			return errors.New("usage: opacity [0..1]")
		}
		if len(args) == 1 {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("opacity: %w", err)
			}
			c.s.SetBackgroundOpacity(v)
		}
		fmt.Fprintf(c.out, "opacity %.2f\n", c.s.BackgroundOpacity())
	case "address":
		fmt.Fprintln(c.out, c.address)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (c *console) list() {
	sel := c.s.Editor.Selection()
	for i, s := range c.s.Doc.Snapshot() {
		mark := " "
		if s.ID == sel {
			mark = "*"
		}
		hidden := ""
		if !s.Visible {
			hidden = " hidden"
		}
		kind := string(s.Kind)
		if s.Kind == shape.KindSite {
			kind = s.SiteType.Icon()
		}
		anchor, _ := s.LabelAnchor()
		fmt.Fprintf(c.out, "%s%3d %s %-7s %q at (%.1f, %.1f) fill=%s%s\n",
			mark, i, s.ID, kind, s.Label, anchor.X, anchor.Y, s.Fill, hidden)
	}
	if draft := c.s.Editor.Draft(); len(draft) > 0 {
		fmt.Fprintf(c.out, "  draft: %d points\n", len(draft))
	}
}

func (c *console) peers() {
	peers := c.s.Presence.Peers()
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(c.out, "%d connected\n", len(ids))
	for _, id := range ids {
		p := peers[id]
		me := ""
		if id == c.s.Me.ID {
			me = " (you)"
		}
		cursor := "-"
		if p.Cursor != nil {
			cursor = fmt.Sprintf("(%.1f, %.1f)", p.Cursor.X, p.Cursor.Y)
		}
		fmt.Fprintf(c.out, "  %s %s %s%s\n", p.Name, p.Color, cursor, me)
	}
}

func point(args []string) (geom.Point, error) {
	if len(args) != 2 {
		return geom.Point{}, errors.New("expected <x> <y>")
	}
	x, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return geom.Point{}, fmt.Errorf("x: %w", err)
	}
	y, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return geom.Point{}, fmt.Errorf("y: %w", err)
	}
	return geom.Point{X: x, Y: y}, nil
}
