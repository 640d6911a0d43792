// Package scheduler provides the cancellable timing primitives used by the
// engine: a Clock abstraction (real or fake) and a Debouncer built on it.
//
// Nothing in opsync calls time.AfterFunc directly. Everything goes through a
// Clock so tests can drive debounce windows deterministically with FakeClock.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the timer
	// was still pending.
	Stop() bool
}

// Clock tells time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// ─── FakeClock ────────────────────────────────────────────────────────────────

// FakeClock is a manually advanced Clock. Callbacks fire synchronously inside
// Advance, on the caller's goroutine, in deadline order.
//
// All methods are safe for concurrent use.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerHeap
}

// NewFakeClock returns a FakeClock set to start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the clock's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers fn to run once the clock has been advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{
		clock: c,
		at:    c.now.Add(d).UnixNano(),
		seq:   c.seq,
		fn:    fn,
	}
	heap.Push(&c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Timers scheduled by a firing callback are honoured if they fall within the
// same window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.timers.Len() == 0 || c.timers[0].at > target.UnixNano() {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := heap.Pop(&c.timers).(*fakeTimer)
		c.now = time.Unix(0, t.at)
		c.mu.Unlock()

		// Run outside the lock so the callback may schedule or stop timers.
		t.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.Len()
}
