// Package wire holds the JSON shapes shared by the HTTP and WebSocket
// transports. Payloads that are valid JSON are embedded verbatim; anything
// else travels base64-encoded in payload_b64.
package wire

import (
	"encoding/json"
	"time"

	"github.com/snehjoshi/opsync/internal/status"
	"github.com/snehjoshi/opsync/internal/types"
)

// Operation is the API view of a queued operation.
type Operation struct {
	ID         uint64          `json:"id"`
	Kind       types.Kind      `json:"kind"`
	Status     types.Status    `json:"status"`
	RetryCount int             `json:"retry_count"`
	EnqueuedAt int64           `json:"enqueued_at"` // unix ms
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadB64 []byte          `json:"payload_b64,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// FromOperation converts op to its API view.
func FromOperation(op *types.Operation) Operation {
	v := Operation{
		ID:         op.ID,
		Kind:       op.Kind,
		Status:     op.Status,
		RetryCount: op.RetryCount,
		EnqueuedAt: op.EnqueuedAt.UnixMilli(),
		LastError:  op.LastError,
	}
	if json.Valid(op.Payload) {
		v.Payload = json.RawMessage(op.Payload)
	} else if len(op.Payload) > 0 {
		v.PayloadB64 = op.Payload
	}
	return v
}

// FromOperations converts a slice, never returning nil.
func FromOperations(ops []*types.Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, FromOperation(op))
	}
	return out
}

// Status is the API view of a status.Snapshot.
type Status struct {
	SessionID    string        `json:"session_id"`
	DeviceID     string        `json:"device_id"`
	Online       bool          `json:"is_online"`
	Syncing      bool          `json:"is_syncing"`
	Queued       []Operation   `json:"queued"`
	Failed       []Operation   `json:"failed"`
	LastSyncTime *time.Time    `json:"last_sync_time,omitempty"`
	SyncProgress float64       `json:"sync_progress"`
	Counts       status.Counts `json:"counts"`
}

// FromSnapshot converts s to its API view.
func FromSnapshot(s status.Snapshot) Status {
	v := Status{
		SessionID:    s.SessionID,
		DeviceID:     s.DeviceID,
		Online:       s.Online,
		Syncing:      s.Syncing,
		Queued:       FromOperations(s.Queued),
		Failed:       FromOperations(s.Failed),
		SyncProgress: s.SyncProgress,
		Counts:       s.Counts(),
	}
	if !s.LastSyncTime.IsZero() {
		t := s.LastSyncTime
		v.LastSyncTime = &t
	}
	return v
}
