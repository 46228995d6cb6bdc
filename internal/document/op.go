package document

import "github.com/masarabi/sengoku-map/internal/shape"

// Stamp is a Lamport timestamp combining a logical clock and the id of the
// peer that issued it. Stamps are totally ordered: clock first, peer id to
// break ties.
type Stamp struct {
	Clock  uint64 `json:"clock"`
	PeerID string `json:"peerID"`
}

// Less reports whether s orders before o.
func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.PeerID < o.PeerID
}

// IsZero reports whether s was never assigned.
func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.PeerID == ""
}

// Action names what an Op does to an element.
type Action string

const (
	ActionInsert  Action = "insert"
	ActionReplace Action = "replace"
	ActionRemove  Action = "remove"
)

// Op is a single replicated mutation. Elem is the stamp the element was
// inserted with and fixes its paint position; Rev orders competing
// revisions of the element's content.
type Op struct {
	Action Action       `json:"action"`
	Elem   Stamp        `json:"elem"`
	Rev    Stamp        `json:"rev"`
	Shape  *shape.Shape `json:"shape,omitempty"`
}

// Batch is the unit of replication: the ops produced by one local mutation,
// applied atomically by every replica.
type Batch struct {
	Origin string `json:"origin"`
	Ops    []Op   `json:"ops"`
}

func (op Op) valid() bool {
	if op.Elem.IsZero() {
		return false
	}
	switch op.Action {
	case ActionInsert, ActionReplace:
		return op.Shape != nil && !op.Rev.IsZero() && op.Shape.ID != "" && op.Shape.Committable()
	case ActionRemove:
		return true
	}
	return false
}
