// Package pebble implements store.Backend on top of cockroachdb/pebble.
package pebble

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/snehjoshi/opsync/internal/store"
)

// Backend is a pebble-backed store.Backend. Every write is synced.
type Backend struct {
	db *pebble.DB
}

var _ store.Backend = (*Backend)(nil)

// Open opens (or creates) a pebble database in dirname.
func Open(dirname string) (*Backend, error) {
	return open(dirname, &pebble.Options{})
}

// OpenInMemory opens a pebble database on an in-memory filesystem.
func OpenInMemory() (*Backend, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dirname string, opts *pebble.Options) (*Backend, error) {
	db, err := pebble.Open(dirname, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "pebble: open %q", dirname)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Get(key string) ([]byte, error) {
	v, closer, err := b.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pebble: get %s", key)
	}
	// v is only valid until closer is closed.
	out := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, errors.Wrap(err, "pebble: release value")
	}
	return out, nil
}

func (b *Backend) Set(key string, value []byte) error {
	return errors.Wrapf(b.db.Set([]byte(key), value, pebble.Sync), "pebble: set %s", key)
}

func (b *Backend) Remove(key string) error {
	return errors.Wrapf(b.db.Delete([]byte(key), pebble.Sync), "pebble: remove %s", key)
}

func (b *Backend) Close() error {
	return errors.Wrap(b.db.Close(), "pebble: close")
}
