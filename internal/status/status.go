// Package status is the read surface over the engine's queue state. It holds
// no behaviour of its own: the queue publishes a fresh Snapshot after every
// mutation, synchronously, and the Reporter fans it out to subscribers.
package status

import (
	"sync"
	"time"

	"github.com/snehjoshi/opsync/internal/types"
)

// Snapshot is a point-in-time copy of the queue state. Operations are deep
// copies; callers may keep or modify them freely.
type Snapshot struct {
	SessionID    string             `json:"session_id,omitempty"`
	DeviceID     string             `json:"device_id,omitempty"`
	Online       bool               `json:"is_online"`
	Syncing      bool               `json:"is_syncing"`
	Queued       []*types.Operation `json:"queued"`
	Failed       []*types.Operation `json:"failed"`
	LastSyncTime time.Time          `json:"last_sync_time"`
	SyncProgress float64            `json:"sync_progress"`
}

// Counts is a cheap per-status summary of a Snapshot.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Counts tallies the operations in s by status.
func (s Snapshot) Counts() Counts {
	var c Counts
	for _, op := range s.Queued {
		switch op.Status {
		case types.StatusSyncing:
			c.Syncing++
		default:
			c.Pending++
		}
	}
	c.Failed = len(s.Failed)
	c.Total = len(s.Queued) + len(s.Failed)
	return c
}

// Listener receives every published Snapshot.
type Listener func(Snapshot)

// Reporter stores the latest Snapshot and notifies subscribers.
//
// All methods are safe for concurrent use. Listeners are called on the
// publishing goroutine, outside the Reporter's lock, and must not block.
type Reporter struct {
	mu     sync.RWMutex
	latest Snapshot
	nextID int
	subs   map[int]Listener
}

// NewReporter returns a Reporter with an empty initial Snapshot.
func NewReporter() *Reporter {
	return &Reporter{subs: make(map[int]Listener)}
}

// Publish records s as the latest state and delivers it to every listener.
func (r *Reporter) Publish(s Snapshot) {
	r.mu.Lock()
	r.latest = s
	ls := make([]Listener, 0, len(r.subs))
	for _, l := range r.subs {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	for _, l := range ls {
		l(s)
	}
}

// Latest returns the most recently published Snapshot.
func (r *Reporter) Latest() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Subscribe registers l and returns a function that removes it. The returned
// function is idempotent.
func (r *Reporter) Subscribe(l Listener) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = l
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered listeners.
func (r *Reporter) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
