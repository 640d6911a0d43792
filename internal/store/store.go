// Package store defines the durable key/value abstraction behind the pending
// operation log.
//
// The queue and syncer layers only ever talk to a Log, and a Log only ever
// talks to a Backend. Swapping bbolt for sqlite or pebble is a config change
// and never touches queue logic.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/snehjoshi/opsync/internal/types"
)

// DefaultKey is the single namespace key the pending log is stored under.
const DefaultKey = "opsync/pending-operations"

var (
	// ErrNotFound is returned by Backend.Get when the key has never been set.
	ErrNotFound = errors.New("store: not found")

	// ErrCorruptLog is returned when the persisted value is not a valid log.
	ErrCorruptLog = errors.New("store: corrupt persisted log")

	// ErrSerialization wraps failures to encode or write the log.
	ErrSerialization = errors.New("store: serialization failed")
)

// Backend is any key/value persistence medium.
//
// Implementations:
//   - bolt.Backend:   go.etcd.io/bbolt single-file store (default)
//   - sqlite.Backend: modernc.org/sqlite key/value table
//   - pebble.Backend: cockroachdb/pebble LSM store
//   - memory.Backend: in-process map, for tests
//
// All methods must be safe for concurrent use.
type Backend interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set replaces the value stored under key.
	Set(key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	Close() error
}

// Log persists the full non-synced operation log as a single JSON array.
// Every Save is a full replacement, never an append.
type Log struct {
	backend Backend
	key     string
}

// NewLog returns a Log stored under key. An empty key uses DefaultKey.
func NewLog(b Backend, key string) *Log {
	if key == "" {
		key = DefaultKey
	}
	return &Log{backend: b, key: key}
}

// Key returns the storage key of the log.
func (l *Log) Key() string { return l.key }

// Load reads the persisted log. A missing key yields an empty log. Any read
// or decode failure is logged and also treated as an empty log, so the engine
// starts clean instead of crashing on corrupt state.
//
// Operations are returned sorted by ID, which is their enqueue order.
func (l *Log) Load() []*types.Operation {
	ops, err := l.load()
	if err != nil {
		slog.Error("pending log unreadable, starting empty", "key", l.key, "err", err)
		return nil
	}
	return ops
}

func (l *Log) load() ([]*types.Operation, error) {
	raw, err := l.backend.Get(l.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", l.key, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var ops []*types.Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}

	// Drop null entries and duplicate ids; the first occurrence wins.
	seen := make(map[uint64]struct{}, len(ops))
	out := ops[:0]
	for _, op := range ops {
		if op == nil {
			continue
		}
		if _, dup := seen[op.ID]; dup {
			continue
		}
		seen[op.ID] = struct{}{}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save replaces the persisted log with ops. Synced operations are filtered
// out so the stored value only ever holds work that still needs attention.
func (l *Log) Save(ops []*types.Operation) error {
	keep := make([]*types.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Status != types.StatusSynced {
			keep = append(keep, op)
		}
	}
	raw, err := json.Marshal(keep)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrSerialization, err)
	}
	if err := l.backend.Set(l.key, raw); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrSerialization, l.key, err)
	}
	return nil
}

// Remove deletes the persisted log entirely.
func (l *Log) Remove() error {
	if err := l.backend.Remove(l.key); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrSerialization, l.key, err)
	}
	return nil
}
