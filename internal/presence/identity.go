package presence

import (
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/masarabi/sengoku-map/internal/shape"
)

var (
	nameColors  = []string{"Blue", "Red", "Peach", "Yellow", "Green", "Indigo", "Orange", "Purple", "Brown", "White", "Black", "Silver", "Gold"}
	nameAnimals = []string{"Cat", "Fox", "Crane", "Tiger", "Dragon", "Shark", "Owl", "Wolf", "Deer", "Whale", "Falcon"}
)

// NewIdentity returns an anonymous peer with a fresh id, a random two-word
// name and a palette color. r may be nil.
func NewIdentity(r *rand.Rand) Peer {
	pick := rand.IntN
	if r != nil {
		pick = r.IntN
	}
	return Peer{
		ID:    uuid.NewString(),
		Name:  nameColors[pick(len(nameColors))] + nameAnimals[pick(len(nameAnimals))],
		Color: shape.Palette[pick(len(shape.Palette))],
	}
}
