package queue

import "log/slog"

// deadletter.go: manual recovery of operations in the failed set.
//
// An operation lands in the failed set when Resolve sees its RetryCount reach
// the ceiling. It stays there, persisted, until one of these calls moves it
// back or Clear drops it.

// RetryFailed moves the failed operation id to the END of the queued list
// with RetryCount reset to 0 and status pending. Its original position is not
// restored: retried operations are ordered by when RetryFailed was called.
// It reports whether id was in the failed set.
func (q *Queue) RetryFailed(id uint64) bool {
	q.mu.Lock()
	ok := q.requeueFailedLocked(id)
	q.mu.Unlock()

	if !ok {
		return false
	}
	slog.Info("failed operation requeued", "op_id", id)
	q.persistQuietly()
	q.publish()
	return true
}

// RetryAllFailed requeues every failed operation, oldest first, and returns
// how many were moved.
func (q *Queue) RetryAllFailed() int {
	q.mu.Lock()
	ids := make([]uint64, 0, q.failed.Len())
	for e := q.failed.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*Operation).ID)
	}
	n := 0
	for _, id := range ids {
		if q.requeueFailedLocked(id) {
			n++
		}
	}
	q.mu.Unlock()

	if n > 0 {
		slog.Info("failed operations requeued", "count", n)
		q.persistQuietly()
		q.publish()
	}
	return n
}

// requeueFailedLocked must be called with q.mu held.
func (q *Queue) requeueFailedLocked(id uint64) bool {
	e, ok := q.failedIdx[id]
	if !ok {
		return false
	}
	op := e.Value.(*Operation)
	if !setStatus(op, StatusPending) {
		return false
	}
	q.failed.Remove(e)
	delete(q.failedIdx, id)
	op.RetryCount = 0
	op.LastError = ""
	q.queuedIdx[id] = q.queued.PushBack(op)
	return true
}
