// Package document implements the replicated, ordered collection of shapes
// every peer of a room holds a full copy of.
//
// Each element is keyed by the Lamport stamp it was inserted with, and the
// visible order is the stamp order. Element content is a last-writer-wins
// register ordered by revision stamp, and removal is a permanent tombstone.
// Ops are idempotent and commutative, so replicas that have applied the same
// set of batches hold identical snapshots regardless of delivery order:
//   - concurrent appends all survive, ordered by stamp;
//   - concurrent replacements of one shape resolve to the greater revision;
//   - a removal beats any concurrent replacement of the same shape;
//   - when two elements carry the same shape id (two peers importing the
//     same file at once), only the one with the greater stamp is shown.
package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/masarabi/sengoku-map/internal/shape"
)

var (
	ErrMissingID       = errors.New("shape id is required")
	ErrDuplicateID     = errors.New("shape id already used")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrIDMismatch      = errors.New("replacement must keep the shape id")
	ErrNotFound        = errors.New("shape not found")
	ErrDegenerate      = errors.New("shape geometry is invalid for its kind")
)

type elem struct {
	id      Stamp
	rev     Stamp
	shape   shape.Shape
	filled  bool
	removed bool
	// shadowed is set on an element whose shape id is owned by an element
	// with a greater stamp.
	shadowed bool
}

func (e *elem) visible() bool {
	return e.filled && !e.removed && !e.shadowed
}

// Document is one peer's replica. It is safe for concurrent use.
type Document struct {
	peerID string
	logger *zap.Logger

	// notifyMu serializes mutations end to end so subscribers observe
	// revisions in the order they were applied.
	notifyMu sync.Mutex

	mu     sync.RWMutex
	clock  uint64
	elems  []*elem // sorted by id
	byID   map[Stamp]*elem
	owners map[string]*elem // shape id -> element allowed to show it

	subsMu  sync.Mutex
	nextSub int
	changes map[int]func([]shape.Shape)
	locals  map[int]func(Batch)
}

// New returns an empty replica owned by peerID.
func New(peerID string, logger *zap.Logger) *Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Document{
		peerID:  peerID,
		logger:  logger.With(zap.String("component", "document"), zap.String("peerID", peerID)),
		byID:    make(map[Stamp]*elem),
		owners:  make(map[string]*elem),
		changes: make(map[int]func([]shape.Shape)),
		locals:  make(map[int]func(Batch)),
	}
}

// PeerID returns the id stamped on local ops.
func (d *Document) PeerID() string {
	return d.peerID
}

// Append inserts s at the end. The caller assigns s.ID.
func (d *Document) Append(s shape.Shape) error {
	if s.ID == "" {
		return ErrMissingID
	}
	if !s.Committable() {
		return fmt.Errorf("append %s: %w", s.ID, ErrDegenerate)
	}
	return d.mutate(func() ([]Op, error) {
		if _, seen := d.owners[s.ID]; seen {
			return nil, fmt.Errorf("append %s: %w", s.ID, ErrDuplicateID)
		}
		id := d.tick()
		sh := s.Clone()
		return []Op{{Action: ActionInsert, Elem: id, Rev: id, Shape: &sh}}, nil
	})
}

// ReplaceAt swaps the shape at index for a new revision, keeping its paint
// position. The revision must carry the same id (an empty id is filled in).
func (d *Document) ReplaceAt(index int, s shape.Shape) error {
	if !s.Committable() {
		return fmt.Errorf("replace at %d: %w", index, ErrDegenerate)
	}
	return d.mutate(func() ([]Op, error) {
		e, err := d.visibleAtLocked(index)
		if err != nil {
			return nil, err
		}
		if s.ID == "" {
			s.ID = e.shape.ID
		}
		if s.ID != e.shape.ID {
			return nil, fmt.Errorf("replace %s with %s: %w", e.shape.ID, s.ID, ErrIDMismatch)
		}
		sh := s.Clone()
		return []Op{{Action: ActionReplace, Elem: e.id, Rev: d.tick(), Shape: &sh}}, nil
	})
}

// RemoveAt deletes the shape at index.
func (d *Document) RemoveAt(index int) error {
	return d.mutate(func() ([]Op, error) {
		e, err := d.visibleAtLocked(index)
		if err != nil {
			return nil, err
		}
		return []Op{{Action: ActionRemove, Elem: e.id, Rev: d.tick()}}, nil
	})
}

// ReplaceShape locates the shape with s.ID and replaces it in place. The
// lookup and the replacement happen atomically with respect to remote
// batches.
func (d *Document) ReplaceShape(s shape.Shape) error {
	if !s.Committable() {
		return fmt.Errorf("replace %s: %w", s.ID, ErrDegenerate)
	}
	return d.mutate(func() ([]Op, error) {
		e := d.findLocked(s.ID)
		if e == nil {
			return nil, fmt.Errorf("replace %s: %w", s.ID, ErrNotFound)
		}
		sh := s.Clone()
		return []Op{{Action: ActionReplace, Elem: e.id, Rev: d.tick(), Shape: &sh}}, nil
	})
}

// RemoveLast deletes the last visible shape and returns it. Finding and
// removing it is one step, so a concurrent remote append cannot slip in
// between.
func (d *Document) RemoveLast() (shape.Shape, error) {
	var removed shape.Shape
	err := d.mutate(func() ([]Op, error) {
		for i := len(d.elems) - 1; i >= 0; i-- {
			if e := d.elems[i]; e.visible() {
				removed = e.shape.Clone()
				return []Op{{Action: ActionRemove, Elem: e.id, Rev: d.tick()}}, nil
			}
		}
		return nil, fmt.Errorf("remove last: %w", ErrIndexOutOfRange)
	})
	return removed, err
}

// RemoveShape removes the shape with id.
func (d *Document) RemoveShape(id string) error {
	return d.mutate(func() ([]Op, error) {
		e := d.findLocked(id)
		if e == nil {
			return nil, fmt.Errorf("remove %s: %w", id, ErrNotFound)
		}
		return []Op{{Action: ActionRemove, Elem: e.id, Rev: d.tick()}}, nil
	})
}

// ClearAndLoad replaces the whole collection with shapes as a single batch:
// subscribers and remote replicas see one change, never an empty room.
func (d *Document) ClearAndLoad(shapes []shape.Shape) error {
	seen := make(map[string]struct{}, len(shapes))
	for i, s := range shapes {
		if s.ID == "" {
			return fmt.Errorf("load shape %d: %w", i, ErrMissingID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("load shape %s: %w", s.ID, ErrDuplicateID)
		}
		if !s.Committable() {
			return fmt.Errorf("load shape %s: %w", s.ID, ErrDegenerate)
		}
		seen[s.ID] = struct{}{}
	}
	return d.mutate(func() ([]Op, error) {
		ops := make([]Op, 0, len(d.elems)+len(shapes))
		for _, e := range d.elems {
			if e.visible() {
				ops = append(ops, Op{Action: ActionRemove, Elem: e.id, Rev: d.tick()})
			}
		}
		for _, s := range shapes {
			id := d.tick()
			sh := s.Clone()
			ops = append(ops, Op{Action: ActionInsert, Elem: id, Rev: id, Shape: &sh})
		}
		return ops, nil
	})
}

// Apply merges a batch received from another replica.
func (d *Document) Apply(b Batch) {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	changed := false
	for _, op := range b.Ops {
		if !op.valid() {
			d.logger.Debug("Dropping invalid op",
				zap.String("origin", b.Origin),
				zap.String("action", string(op.Action)),
			)
			continue
		}
		d.observe(op.Elem)
		d.observe(op.Rev)
		if d.applyLocked(op) {
			changed = true
		}
	}
	var snap []shape.Shape
	if changed {
		snap = d.snapshotLocked()
	}
	d.mu.Unlock()

	if changed {
		d.notify(snap)
	}
}

// State returns a batch that recreates this replica's full state, tombstones
// included, on any other replica.
func (d *Document) State() Batch {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops := make([]Op, 0, len(d.elems))
	for _, e := range d.elems {
		if e.filled {
			sh := e.shape.Clone()
			ops = append(ops, Op{Action: ActionInsert, Elem: e.id, Rev: e.rev, Shape: &sh})
		}
		if e.removed {
			ops = append(ops, Op{Action: ActionRemove, Elem: e.id})
		}
	}
	return Batch{Origin: d.peerID, Ops: ops}
}

// Snapshot returns the visible shapes in paint order. The result is a deep
// copy owned by the caller.
func (d *Document) Snapshot() []shape.Shape {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Len returns the number of visible shapes.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.elems {
		if e.visible() {
			n++
		}
	}
	return n
}

// At returns the visible shape at index.
func (d *Document) At(index int) (shape.Shape, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, err := d.visibleAtLocked(index)
	if err != nil {
		return shape.Shape{}, false
	}
	return e.shape.Clone(), true
}

// IndexOf returns the current paint index of the shape with id, or -1.
func (d *Document) IndexOf(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := 0
	for _, e := range d.elems {
		if !e.visible() {
			continue
		}
		if e.shape.ID == id {
			return i
		}
		i++
	}
	return -1
}

// OnChange registers fn to run after every local or remote batch that
// changes the snapshot. Callbacks run serialized and must not mutate the
// document.
func (d *Document) OnChange(fn func([]shape.Shape)) (cancel func()) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.changes[id] = fn
	return func() {
		d.subsMu.Lock()
		delete(d.changes, id)
		d.subsMu.Unlock()
	}
}

// OnLocalBatch registers fn to receive every batch produced by a local
// mutation, after local subscribers were notified. Replication hooks in
// here.
func (d *Document) OnLocalBatch(fn func(Batch)) (cancel func()) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.locals[id] = fn
	return func() {
		d.subsMu.Lock()
		delete(d.locals, id)
		d.subsMu.Unlock()
	}
}

func (d *Document) mutate(build func() ([]Op, error)) error {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	ops, err := build()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	changed := false
	for _, op := range ops {
		if d.applyLocked(op) {
			changed = true
		}
	}
	var snap []shape.Shape
	if changed {
		snap = d.snapshotLocked()
	}
	d.mu.Unlock()

	if changed {
		d.notify(snap)
	}
	if len(ops) > 0 {
		d.publish(Batch{Origin: d.peerID, Ops: ops})
	}
	return nil
}

// applyLocked merges one op and reports whether the visible state changed.
func (d *Document) applyLocked(op Op) bool {
	e, ok := d.byID[op.Elem]
	if !ok {
		e = d.insertLocked(op.Elem)
	}
	switch op.Action {
	case ActionInsert, ActionReplace:
		if e.filled && !e.rev.Less(op.Rev) {
			return false
		}
		// An element keeps the shape id it was first filled with.
		if e.filled && op.Shape.ID != e.shape.ID {
			return false
		}
		wasVisible, first := e.visible(), !e.filled
		e.shape = op.Shape.Clone()
		e.rev = op.Rev
		e.filled = true
		hid := false
		if first {
			hid = d.claimLocked(e)
		}
		return hid || wasVisible || e.visible()
	case ActionRemove:
		if e.removed {
			return false
		}
		wasVisible := e.visible()
		e.removed = true
		return wasVisible
	}
	return false
}

// claimLocked resolves ownership of e's shape id between e and the element
// already holding it: the greater stamp wins and the other is hidden for
// good. It reports whether a visible element was hidden.
func (d *Document) claimLocked(e *elem) bool {
	owner, ok := d.owners[e.shape.ID]
	switch {
	case !ok:
		d.owners[e.shape.ID] = e
		return false
	case owner.id.Less(e.id):
		wasVisible := owner.visible()
		owner.shadowed = true
		d.owners[e.shape.ID] = e
		d.logger.Debug("Shape id claimed by a newer element", zap.String("shapeID", e.shape.ID))
		return wasVisible
	default:
		e.shadowed = true
		d.logger.Debug("Shape id already claimed by a newer element", zap.String("shapeID", e.shape.ID))
		return false
	}
}

// insertLocked creates an empty element at its sorted position. Content
// arrives with an insert or replace op, possibly later than a remove.
func (d *Document) insertLocked(id Stamp) *elem {
	e := &elem{id: id}
	i := sort.Search(len(d.elems), func(i int) bool {
		return !d.elems[i].id.Less(id)
	})
	d.elems = append(d.elems, nil)
	copy(d.elems[i+1:], d.elems[i:])
	d.elems[i] = e
	d.byID[id] = e
	return e
}

func (d *Document) visibleAtLocked(index int) (*elem, error) {
	if index >= 0 {
		i := 0
		for _, e := range d.elems {
			if !e.visible() {
				continue
			}
			if i == index {
				return e, nil
			}
			i++
		}
	}
	return nil, fmt.Errorf("index %d: %w", index, ErrIndexOutOfRange)
}

func (d *Document) findLocked(id string) *elem {
	for _, e := range d.elems {
		if e.visible() && e.shape.ID == id {
			return e
		}
	}
	return nil
}

func (d *Document) snapshotLocked() []shape.Shape {
	out := make([]shape.Shape, 0, len(d.elems))
	for _, e := range d.elems {
		if e.visible() {
			out = append(out, e.shape.Clone())
		}
	}
	return out
}

func (d *Document) tick() Stamp {
	d.clock++
	return Stamp{Clock: d.clock, PeerID: d.peerID}
}

func (d *Document) observe(s Stamp) {
	if s.Clock > d.clock {
		d.clock = s.Clock
	}
}

func (d *Document) notify(snap []shape.Shape) {
	d.subsMu.Lock()
	fns := make([]func([]shape.Shape), 0, len(d.changes))
	for _, fn := range d.changes {
		fns = append(fns, fn)
	}
	d.subsMu.Unlock()

	for _, fn := range fns {
		fn(cloneAll(snap))
	}
}

func (d *Document) publish(b Batch) {
	d.subsMu.Lock()
	fns := make([]func(Batch), 0, len(d.locals))
	for _, fn := range d.locals {
		fns = append(fns, fn)
	}
	d.subsMu.Unlock()

	for _, fn := range fns {
		fn(b)
	}
}

func cloneAll(shapes []shape.Shape) []shape.Shape {
	out := make([]shape.Shape, len(shapes))
	for i, s := range shapes {
		out[i] = s.Clone()
	}
	return out
}
