// Package syncer drains the operation queue through the remote-apply
// capability.
//
// A drain walks a snapshot of the queue strictly in order, one operation at a
// time. The only point where other work can interleave is the Apply call:
// producers may keep enqueueing while it is suspended, and their operations
// wait for the next drain.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/snehjoshi/opsync/internal/metrics"
	"github.com/snehjoshi/opsync/internal/queue"
	"github.com/snehjoshi/opsync/internal/remote"
)

// Result summarises one drain pass.
type Result struct {
	// ID identifies the pass in logs.
	ID string `json:"id"`

	// AllSucceeded is true when no apply in this pass failed.
	AllSucceeded bool `json:"all_succeeded"`

	Total        int `json:"total"`         // operations in the snapshot
	Synced       int `json:"synced"`        // applied and removed
	Failed       int `json:"failed"`        // apply attempts that failed
	DeadLettered int `json:"dead_lettered"` // of Failed, moved to the failed set

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithMetrics records per-operation and per-drain counters in m.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithOnComplete registers fn to be called after every drain that ran.
// fn runs on the draining goroutine.
func WithOnComplete(fn func(Result)) Option {
	return func(s *Syncer) { s.onComplete = fn }
}

// Syncer runs drain passes over a Queue.
type Syncer struct {
	q          *queue.Queue
	applier    remote.Applier
	metrics    *metrics.Registry
	onComplete func(Result)
}

// New returns a Syncer that applies operations from q through a.
func New(q *queue.Queue, a remote.Applier, opts ...Option) *Syncer {
	s := &Syncer{q: q, applier: a}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TriggerSync runs one drain pass on the calling goroutine. It returns false,
// without touching the queue, when the device is offline or another pass is
// already running; the call is dropped, not deferred.
//
// The pass always runs to the end of its snapshot. ctx is handed to every
// Apply call, so cancelling it makes the remaining applies fail fast.
func (s *Syncer) TriggerSync(ctx context.Context) (Result, bool) {
	batch, ok := s.q.BeginDrain()
	if !ok {
		return Result{}, false
	}

	res := Result{
		ID:      uuid.NewString(),
		Total:   len(batch),
		Started: time.Now(),
	}
	log := slog.With("drain_id", res.ID)
	log.Info("drain started", "total", res.Total)

	for i, op := range batch {
		if s.q.MarkSyncing(op.ID) {
			err := s.apply(ctx, op)
			switch s.q.Resolve(op.ID, err) {
			case queue.OutcomeSynced:
				res.Synced++
				s.count(func(m *metrics.Registry) { m.Synced.Inc(string(op.Kind)) })
			case queue.OutcomeRetry:
				res.Failed++
				s.count(func(m *metrics.Registry) { m.ApplyFailures.Inc(string(op.Kind)) })
				log.Warn("apply failed, will retry", "op_id", op.ID, "kind", op.Kind, "err", err)
			case queue.OutcomeDeadLettered:
				res.Failed++
				res.DeadLettered++
				s.count(func(m *metrics.Registry) {
					m.ApplyFailures.Inc(string(op.Kind))
					m.DeadLettered.Inc(string(op.Kind))
				})
			case queue.OutcomeGone:
				log.Debug("operation cleared during apply", "op_id", op.ID)
			}
		}
		s.q.SetProgress(float64(i+1) / float64(res.Total) * 100)
	}

	if err := s.q.EndDrain(); err != nil {
		log.Warn("persist after drain failed, keeping in-memory state", "err", err)
	}

	res.AllSucceeded = res.Failed == 0
	res.Duration = time.Since(res.Started)
	s.count(func(m *metrics.Registry) {
		if res.AllSucceeded {
			m.Drains.Inc(metrics.DrainComplete)
		} else {
			m.Drains.Inc(metrics.DrainPartial)
		}
	})
	log.Info("drain finished",
		"synced", res.Synced,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"duration_ms", res.Duration.Milliseconds(),
	)

	if s.onComplete != nil {
		s.onComplete(res)
	}
	return res, true
}

// apply calls the Applier, turning a panic into an ordinary failure so a
// misbehaving remote cannot leave the queue stuck in the syncing state.
func (s *Syncer) apply(ctx context.Context, op *queue.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("syncer: apply op %d panicked: %v", op.ID, r)
		}
	}()
	return s.applier.Apply(ctx, op)
}

func (s *Syncer) count(fn func(*metrics.Registry)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
