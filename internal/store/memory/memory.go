// Package memory provides an in-process store.Backend. It backs tests and the
// "memory" backend setting, where durability across restarts is not wanted.
package memory

import (
	"errors"
	"sync"

	"github.com/snehjoshi/opsync/internal/store"
)

// ErrInjected is returned by a Backend whose writes have been made to fail.
var ErrInjected = errors.New("memory: injected write failure")

// Backend is a map-backed store.Backend. The zero value is not usable; call New.
type Backend struct {
	mu       sync.Mutex
	vals     map[string][]byte
	failSets bool
	sets     int
}

var _ store.Backend = (*Backend)(nil)

// New returns an empty Backend.
func New() *Backend {
	return &Backend{vals: make(map[string][]byte)}
}

func (b *Backend) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.vals[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *Backend) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSets {
		return ErrInjected
	}
	b.vals[key] = append([]byte(nil), value...)
	b.sets++
	return nil
}

func (b *Backend) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vals, key)
	return nil
}

func (b *Backend) Close() error { return nil }

// FailWrites makes every subsequent Set return ErrInjected while fail is true.
func (b *Backend) FailWrites(fail bool) {
	b.mu.Lock()
	b.failSets = fail
	b.mu.Unlock()
}

// Sets returns the number of successful Set calls.
func (b *Backend) Sets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sets
}

// Put stores raw bytes under key, bypassing FailWrites. Tests use it to seed
// a previous session's log, including corrupt ones.
func (b *Backend) Put(key string, value []byte) {
	b.mu.Lock()
	b.vals[key] = append([]byte(nil), value...)
	b.mu.Unlock()
}
