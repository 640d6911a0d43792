package queue

import (
	"fmt"
	"log/slog"
)

// drain.go: the mutation surface used by the sync scheduler while it walks a
// snapshot of the queue. Producers never call these.

// Outcome is the result of resolving one apply attempt.
type Outcome int

const (
	// OutcomeSynced means the operation was applied and removed.
	OutcomeSynced Outcome = iota
	// OutcomeRetry means the apply failed and the operation stays queued,
	// pending, for the next drain.
	OutcomeRetry
	// OutcomeDeadLettered means the apply failed at the retry ceiling and the
	// operation moved to the failed set.
	OutcomeDeadLettered
	// OutcomeGone means the operation left the queue (Clear) while it was
	// being applied; nothing was recorded.
	OutcomeGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeGone:
		return "gone"
	default:
		return "unknown"
	}
}

// BeginDrain starts a drain pass. It returns false, and changes nothing, when
// the queue is offline or a drain is already running; this flag is the only
// guard against overlapping drains.
//
// On success it sets syncing, resets progress to 0, and returns copies of the
// queued operations in FIFO order. Operations enqueued after this call wait
// for the next pass.
func (q *Queue) BeginDrain() ([]*Operation, bool) {
	q.mu.Lock()
	if !q.online || q.syncing {
		q.mu.Unlock()
		return nil, false
	}
	q.syncing = true
	q.progress = 0
	batch := cloneList(q.queued)
	q.mu.Unlock()

	q.publish()
	return batch, true
}

// MarkSyncing moves the queued operation id to syncing. It returns false if
// the operation is no longer queued.
func (q *Queue) MarkSyncing(id uint64) bool {
	q.mu.Lock()
	e, ok := q.queuedIdx[id]
	if ok {
		ok = setStatus(e.Value.(*Operation), StatusSyncing)
	}
	q.mu.Unlock()

	if ok {
		q.publish()
	}
	return ok
}

// Resolve records the result of applying operation id. applyErr == nil means
// success: the operation becomes synced and is unlinked immediately, so the
// next persisted log excludes it. Otherwise RetryCount is incremented and the
// operation either returns to pending in place or, at the retry ceiling,
// moves to the failed set.
func (q *Queue) Resolve(id uint64, applyErr error) Outcome {
	q.mu.Lock()
	e, ok := q.queuedIdx[id]
	if !ok {
		q.mu.Unlock()
		return OutcomeGone
	}
	op := e.Value.(*Operation)

	var out Outcome
	switch {
	case applyErr == nil:
		setStatus(op, StatusSynced)
		q.queued.Remove(e)
		delete(q.queuedIdx, id)
		out = OutcomeSynced

	default:
		op.RetryCount++
		op.LastError = applyErr.Error()
		if op.RetryCount >= q.cfg.MaxRetries {
			setStatus(op, StatusFailed)
			q.queued.Remove(e)
			delete(q.queuedIdx, id)
			q.failedIdx[id] = q.failed.PushBack(op)
			out = OutcomeDeadLettered
		} else {
			setStatus(op, StatusPending)
			out = OutcomeRetry
		}
	}
	retries := op.RetryCount
	q.mu.Unlock()

	if out == OutcomeDeadLettered {
		slog.Warn("operation moved to failed set",
			"op_id", id,
			"retry_count", retries,
			"err", fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, retries, applyErr),
		)
	}
	q.publish()
	return out
}

// SetProgress records the completion percentage of the running drain.
func (q *Queue) SetProgress(pct float64) {
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	q.mu.Lock()
	q.progress = pct
	q.mu.Unlock()
	q.publish()
}

// EndDrain finishes the running drain: it clears syncing, stamps the last
// sync time, and persists the surviving operations.
func (q *Queue) EndDrain() error {
	q.mu.Lock()
	q.syncing = false
	q.lastSync = q.clock.Now().UTC()
	q.mu.Unlock()

	err := q.Persist()
	q.publish()
	return err
}
