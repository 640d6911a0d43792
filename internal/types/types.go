// Package types contains the core domain types shared across all opsync
// internal packages. It has zero imports of other opsync packages so that the
// store, queue and syncer layers can all depend on it without import cycles.
package types

import (
	"fmt"
	"time"
)

// Kind is the mutation class of a queued operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindUpdate Kind = "update"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindUpdate:
		return true
	}
	return false
}

// ParseKind converts s into a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("types: unknown operation kind %q", s)
	}
	return k, nil
}

// Status is the lifecycle state of an operation.
type Status uint8

const (
	// StatusPending means the operation is waiting for the next drain.
	StatusPending Status = iota
	// StatusSyncing means a drain is currently applying the operation.
	StatusSyncing
	// StatusSynced means the remote accepted the operation. It is removed from
	// every queue and from the persisted log as soon as it reaches this state.
	StatusSynced
	// StatusFailed means the operation reached the retry ceiling and sits in
	// the dead-letter set until it is manually retried.
	StatusFailed
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name so the persisted log stays readable.
func (s Status) MarshalText() ([]byte, error) {
	if s > StatusFailed {
		return nil, fmt.Errorf("types: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatusPending
	case "syncing":
		*s = StatusSyncing
	case "synced":
		*s = StatusSynced
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("types: unknown status %q", string(b))
	}
	return nil
}

// Operation is a single queued mutation awaiting synchronization.
//
// Persisted layout rules:
//   - Fields are only ever added. Never rename or remove one, old logs must
//     always be readable.
//   - Payload is opaque to the engine; only the remote applier interprets it.
type Operation struct {
	// ID is allocated from a per-session counter in enqueue order.
	ID uint64 `json:"id"`

	Kind Kind `json:"kind"`

	EnqueuedAt time.Time `json:"enqueuedAt"`

	// Payload is encoded as base64 in the persisted JSON.
	Payload []byte `json:"payload"`

	// RetryCount is incremented after every failed apply attempt.
	RetryCount int `json:"retryCount"`

	Status Status `json:"status"`

	// LastError holds the message of the most recent failed apply.
	LastError string `json:"lastError,omitempty"`
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	c := *o
	if o.Payload != nil {
		c.Payload = append([]byte(nil), o.Payload...)
	}
	return &c
}
