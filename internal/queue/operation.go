// Package queue is the ordered journal of not-yet-synchronized operations.
//
// Domain types (Operation, Kind, Status) live in internal/types so the store
// layer can persist them without importing this package. This file re-exports
// them as aliases so callers can write queue.Operation.
package queue

import "github.com/snehjoshi/opsync/internal/types"

type Operation = types.Operation
type Kind = types.Kind
type Status = types.Status

const (
	KindInsert = types.KindInsert
	KindDelete = types.KindDelete
	KindUpdate = types.KindUpdate
)

const (
	StatusPending = types.StatusPending
	StatusSyncing = types.StatusSyncing
	StatusSynced  = types.StatusSynced
	StatusFailed  = types.StatusFailed
)
