// Package bolt implements store.Backend on top of go.etcd.io/bbolt.
//
// bbolt is the default backend because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID, so the log is always consistent even after a crash
//   - A single file inside the data directory
package bolt

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/opsync/internal/store"
)

var bucketKV = []byte("kv")

// Backend is a bbolt-backed store.Backend.
type Backend struct {
	db *bbolt.DB
}

var _ store.Backend = (*Backend)(nil)

// Open opens (or creates) the bbolt database at path.
func Open(path string) (*Backend, error) {
	// A short lock timeout turns a second process on the same file into an
	// error instead of a hang.
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}

	return &Backend{db: db}, nil
}

// Get returns a copy of the value for key, or store.ErrNotFound.
func (b *Backend) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return store.ErrNotFound
		}
		// v is only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Set upserts the value for key.
func (b *Backend) Set(key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
}

// Remove deletes key.
func (b *Backend) Remove(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

// Close closes the underlying bbolt database.
func (b *Backend) Close() error {
	return b.db.Close()
}
