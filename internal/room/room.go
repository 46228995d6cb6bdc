// Package room derives the identifier that scopes a session's document and
// presence to one peer group. The identifier lives in the fragment of the
// session's shareable address, so copying the address is the invitation.
package room

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Prefix starts every generated room token.
const Prefix = "gunroom-"

var (
	ErrInvalidRoom = errors.New("invalid room token")

	tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Address is the shareable address of a session.
type Address interface {
	Fragment() string
	SetFragment(fragment string) error
}

// NewToken returns a fresh random room token.
func NewToken() string {
	return Prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// Valid reports whether token may be used as a room identifier.
func Valid(token string) bool {
	return tokenPattern.MatchString(token)
}

// Resolver resolves the room once per session.
type Resolver struct {
	addr     Address
	newToken func() string

	mu   sync.Mutex
	room string
}

// NewResolver returns a resolver over addr.
func NewResolver(addr Address) *Resolver {
	return &Resolver{addr: addr, newToken: NewToken}
}

// Resolve returns the room carried by the address, or generates one and
// writes it back into the address. Later calls return the same room even if
// the address changes.
func (r *Resolver) Resolve() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room != "" {
		return r.room, nil
	}

	if frag := strings.TrimPrefix(r.addr.Fragment(), "#"); frag != "" {
		if !Valid(frag) {
			return "", fmt.Errorf("address fragment %q: %w", frag, ErrInvalidRoom)
		}
		r.room = frag
		return r.room, nil
	}

	token := r.newToken()
	if err := r.addr.SetFragment(token); err != nil {
		return "", fmt.Errorf("write room into address: %w", err)
	}
	r.room = token
	return r.room, nil
}

// URLAddress is an Address backed by a URL such as
// sengoku://relay.local:8090/#gunroom-1a2b3c.
type URLAddress struct {
	mu sync.Mutex
	u  *url.URL
}

// ParseAddress parses raw into an address. An empty raw yields an address
// with no room.
func ParseAddress(raw string) (*URLAddress, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	return &URLAddress{u: u}, nil
}

func (a *URLAddress) Fragment() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.u.Fragment
}

func (a *URLAddress) SetFragment(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.u.Fragment = fragment
	return nil
}

// String renders the address for sharing.
func (a *URLAddress) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.u.String()
}
