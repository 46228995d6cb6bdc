package transport

import (
	"sort"
	"sync"
)

// Fanout keeps the handlers of one transport and dispatches to them in
// subscription order.
type Fanout struct {
	mu   sync.Mutex
	next int
	hs   map[int]Handler
}

// Subscribe adds h and returns a function that removes it.
func (f *Fanout) Subscribe(h Handler) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hs == nil {
		f.hs = make(map[int]Handler)
	}
	id := f.next
	f.next++
	f.hs[id] = h
	return func() {
		f.mu.Lock()
		delete(f.hs, id)
		f.mu.Unlock()
	}
}

// Dispatch hands msg to every current handler.
func (f *Fanout) Dispatch(msg Message) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.hs))
	for id := range f.hs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, f.hs[id])
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
}
