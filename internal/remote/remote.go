// Package remote defines the capability the sync scheduler uses to apply one
// queued operation to the collaboration backend, plus an HTTP implementation.
package remote

import (
	"context"

	"github.com/snehjoshi/opsync/internal/types"
)

// Applier applies a single operation to the remote side. A nil error means
// the remote accepted the operation; any error is treated as an apply
// failure and the operation is retried on a later drain.
//
// Implementations should honour ctx cancellation.
type Applier interface {
	Apply(ctx context.Context, op *types.Operation) error
}

// ApplyFunc adapts an ordinary function to the Applier interface.
type ApplyFunc func(ctx context.Context, op *types.Operation) error

// Apply calls f(ctx, op).
func (f ApplyFunc) Apply(ctx context.Context, op *types.Operation) error {
	return f(ctx, op)
}
