// Package network tracks device connectivity and turns settled online
// transitions into sync triggers.
//
// A Source reports raw online/offline transitions. The Monitor wraps a Source,
// forwards every transition to its own subscribers immediately, and restarts
// a debounce window on each one; only when the window elapses without a new
// transition does it hand the final state to its settled callback.
package network

import "sync"

// Source reports connectivity and notifies listeners on every transition.
type Source interface {
	Online() bool
	// Subscribe registers fn for every transition and returns a function
	// that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// broadcaster holds the current state and fans transitions out to listeners.
// Listeners run on the goroutine that changed the state, outside the lock.
type broadcaster struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn func(online bool)) (unsubscribe func()) {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]func(bool))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// set records online and notifies listeners when it differs from the
// previous state. It reports whether a transition happened.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	fns := make([]func(bool), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// ─── Manual ───────────────────────────────────────────────────────────────────

// Manual is a Source whose state is set explicitly. It backs tests, the CLI,
// and the HTTP connectivity override.
type Manual struct {
	broadcaster
}

var _ Source = (*Manual)(nil)

// NewManual returns a Manual source starting in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// Set changes the state. Setting the current state again is not a transition
// and notifies nobody. It reports whether the state changed.
func (m *Manual) Set(online bool) bool {
	return m.set(online)
}
