package queue

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/opsync/internal/scheduler"
	"github.com/snehjoshi/opsync/internal/status"
	"github.com/snehjoshi/opsync/internal/store"
)

// ErrRetriesExhausted marks an operation that reached the retry ceiling.
var ErrRetriesExhausted = errors.New("queue: retries exhausted")

// ─── Config ───────────────────────────────────────────────────────────────────

// Config holds tunable parameters for a Queue.
type Config struct {
	// MaxRetries is the retry ceiling: an operation whose RetryCount reaches
	// it moves to the failed set. Zero uses the default.
	MaxRetries int

	// SessionID and DeviceID are copied into every published Snapshot.
	SessionID string
	DeviceID  string
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3}
}

// Option configures optional Queue dependencies.
type Option func(*Queue)

// WithClock replaces the wall clock used for EnqueuedAt and LastSyncTime.
func WithClock(c scheduler.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithReporter publishes every state change to r.
func WithReporter(r *status.Reporter) Option {
	return func(q *Queue) { q.reporter = r }
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue owns the entire queue state of one editing session: the FIFO list of
// queued operations, the failed (dead-letter) set, connectivity, and the
// progress of the current drain.
//
// Architecture:
//   - "queued" is a linked list of *Operation in enqueue order, indexed by ID
//     so a synced operation can be unlinked in O(1).
//   - "failed" is a second list in the order operations were dead-lettered.
//   - Every mutation persists the full non-synced log (queued + failed) as a
//     replacement value and publishes a Snapshot to the status Reporter.
//
// All public methods are safe for concurrent use. No lock is ever held while
// an operation is being applied to the remote.
type Queue struct {
	cfg      Config
	log      *store.Log
	clock    scheduler.Clock
	reporter *status.Reporter

	// persistMu serialises store writes. The log contents are read inside it
	// so two writers can never land out of order.
	persistMu sync.Mutex

	// publishMu serialises Snapshot publication so subscribers never observe
	// an older state after a newer one.
	publishMu sync.Mutex

	mu        sync.Mutex
	queued    *list.List               // elements are *Operation (FIFO)
	queuedIdx map[uint64]*list.Element // ID → element in queued
	failed    *list.List               // elements are *Operation
	failedIdx map[uint64]*list.Element // ID → element in failed
	nextID    uint64
	online    bool
	syncing   bool
	lastSync  time.Time
	progress  float64
}

// New creates a Queue and restores the operations persisted in log by a
// previous session. Operations persisted as failed go back to the failed set
// and everything else to the queued list, in ID order. An operation that was
// mid-apply when the previous session stopped is restored as pending.
//
// The ID counter resumes past the largest restored ID so new operations never
// collide with restored ones.
func New(log *store.Log, cfg Config, opts ...Option) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	q := &Queue{
		cfg:       cfg,
		log:       log,
		clock:     scheduler.Real(),
		queued:    list.New(),
		queuedIdx: make(map[uint64]*list.Element),
		failed:    list.New(),
		failedIdx: make(map[uint64]*list.Element),
	}
	for _, o := range opts {
		o(q)
	}
	if q.reporter == nil {
		q.reporter = status.NewReporter()
	}

	q.loadFromStore()
	q.publish()
	return q
}

// Reporter returns the status Reporter this queue publishes to.
func (q *Queue) Reporter() *status.Reporter { return q.reporter }

// MaxRetries returns the effective retry ceiling.
func (q *Queue) MaxRetries() int { return q.cfg.MaxRetries }

// ─── Producer API ─────────────────────────────────────────────────────────────

// Enqueue appends a new operation and persists the updated log.
//
// The payload is never inspected. A persistence failure is logged and
// swallowed: the in-memory queue stays authoritative. The only error is an
// unknown kind.
func (q *Queue) Enqueue(kind Kind, payload []byte) (*Operation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("queue: enqueue: unknown kind %q", kind)
	}

	q.mu.Lock()
	q.nextID++
	op := &Operation{
		ID:         q.nextID,
		Kind:       kind,
		EnqueuedAt: q.clock.Now().UTC(),
		Payload:    append([]byte(nil), payload...),
		Status:     StatusPending,
	}
	q.queuedIdx[op.ID] = q.queued.PushBack(op)
	out := op.Clone()
	q.mu.Unlock()

	slog.Debug("operation enqueued", "op_id", op.ID, "kind", op.Kind)
	q.persistQuietly()
	q.publish()
	return out, nil
}

// Clear empties the queued list and the failed set and removes the persisted
// log. It is irreversible. An operation currently being applied by a drain
// still completes its apply call but is not tracked afterwards.
func (q *Queue) Clear() {
	q.persistMu.Lock()
	q.mu.Lock()
	n := q.queued.Len() + q.failed.Len()
	q.queued.Init()
	q.queuedIdx = make(map[uint64]*list.Element)
	q.failed.Init()
	q.failedIdx = make(map[uint64]*list.Element)
	q.mu.Unlock()

	if err := q.log.Remove(); err != nil {
		slog.Warn("clear: remove persisted log", "err", err)
	}
	q.persistMu.Unlock()

	slog.Info("queue cleared", "dropped", n)
	q.publish()
}

// SetOnline records the current connectivity. It returns the previous value.
func (q *Queue) SetOnline(online bool) (was bool) {
	q.mu.Lock()
	was = q.online
	q.online = online
	q.mu.Unlock()
	if was != online {
		q.publish()
	}
	return was
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Online reports the last recorded connectivity.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Syncing reports whether a drain is in progress.
func (q *Queue) Syncing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncing
}

// Len returns the number of queued (not failed) operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued.Len()
}

// FailedLen returns the number of operations in the failed set.
func (q *Queue) FailedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed.Len()
}

// Get returns a copy of the queued or failed operation with id.
func (q *Queue) Get(id uint64) (*Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.queuedIdx[id]; ok {
		return e.Value.(*Operation).Clone(), true
	}
	if e, ok := q.failedIdx[id]; ok {
		return e.Value.(*Operation).Clone(), true
	}
	return nil, false
}

// Queued returns copies of the queued operations in FIFO order.
func (q *Queue) Queued() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.queued)
}

// Failed returns copies of the failed operations.
func (q *Queue) Failed() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.failed)
}

// Snapshot returns the current queue state.
func (q *Queue) Snapshot() status.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Stats returns per-status counts of the queued and failed operations.
func (q *Queue) Stats() status.Counts {
	return q.Snapshot().Counts()
}

// ─── Persistence ──────────────────────────────────────────────────────────────

// Persist writes the full non-synced log (queued + failed) to the store.
func (q *Queue) Persist() error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	ops := append(cloneList(q.queued), cloneList(q.failed)...)
	q.mu.Unlock()

	return q.log.Save(ops)
}

func (q *Queue) persistQuietly() {
	if err := q.Persist(); err != nil {
		slog.Warn("persist pending log failed, keeping in-memory state", "err", err)
	}
}

// loadFromStore rebuilds the in-memory lists from the persisted log. It runs
// once, from New, before the Queue is shared.
func (q *Queue) loadFromStore() {
	ops := q.log.Load()
	var restoredQueued, restoredFailed int
	for _, op := range ops {
		if op.ID > q.nextID {
			q.nextID = op.ID
		}
		switch op.Status {
		case StatusSynced:
			// Never persisted by Save; tolerate it from hand-edited logs.
			continue
		case StatusFailed:
			q.failedIdx[op.ID] = q.failed.PushBack(op)
			restoredFailed++
		case StatusSyncing:
			// Interrupted mid-apply: the outcome is unknown, so apply again.
			op.Status = StatusPending
			fallthrough
		default:
			q.queuedIdx[op.ID] = q.queued.PushBack(op)
			restoredQueued++
		}
	}
	if len(ops) > 0 {
		slog.Info("restored pending log", "queued", restoredQueued, "failed", restoredFailed)
	}
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// setStatus moves op to status to if the transition is legal.
// Must be called with q.mu held.
func setStatus(op *Operation, to Status) bool {
	if !ValidTransition(op.Status, to) {
		slog.Error("illegal operation transition",
			"op_id", op.ID, "from", op.Status.String(), "to", to.String())
		return false
	}
	op.Status = to
	return true
}

func (q *Queue) snapshotLocked() status.Snapshot {
	return status.Snapshot{
		SessionID:    q.cfg.SessionID,
		DeviceID:     q.cfg.DeviceID,
		Online:       q.online,
		Syncing:      q.syncing,
		Queued:       cloneList(q.queued),
		Failed:       cloneList(q.failed),
		LastSyncTime: q.lastSync,
		SyncProgress: q.progress,
	}
}

// publish hands the current state to the Reporter. Subscribers run on this
// goroutine and must not call back into Queue mutators.
func (q *Queue) publish() {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	q.mu.Lock()
	s := q.snapshotLocked()
	q.mu.Unlock()
	q.reporter.Publish(s)
}

func cloneList(l *list.List) []*Operation {
	out := make([]*Operation, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Operation).Clone())
	}
	return out
}
