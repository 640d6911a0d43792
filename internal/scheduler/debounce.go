package scheduler

import (
	"sync"
	"time"
)

// DefaultQuietPeriod is how long a signal must stay stable before a debounced
// callback runs.
const DefaultQuietPeriod = 2 * time.Second

// Debouncer delays a callback until no new Trigger has arrived for a quiet
// period. Every Trigger restarts the window, so only the last one fires.
//
// Usage:
//
//	d := scheduler.NewDebouncer(scheduler.Real(), 2*time.Second)
//	defer d.Stop()
//	d.Trigger(func() { ... })
//
// All methods are safe for concurrent use.
type Debouncer struct {
	clock Clock
	quiet time.Duration

	mu     sync.Mutex
	timer  Timer
	gen    uint64 // bumped on every Trigger/Cancel so a stale fire is ignored
	closed bool
}

// NewDebouncer returns a Debouncer using clock. A non-positive quiet period
// uses DefaultQuietPeriod.
func NewDebouncer(clock Clock, quiet time.Duration) *Debouncer {
	if clock == nil {
		clock = Real()
	}
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Debouncer{clock: clock, quiet: quiet}
}

// QuietPeriod returns the configured window.
func (d *Debouncer) QuietPeriod() time.Duration { return d.quiet }

// Trigger (re)starts the quiet period and arranges for fn to run when it
// elapses. Any previously pending callback is discarded. Trigger after Stop is
// a no-op.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.quiet, func() {
		d.mu.Lock()
		if d.closed || gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Pending reports whether a callback is waiting for its quiet period.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Cancel discards any pending callback without disabling the Debouncer.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Stop cancels any pending callback and disables the Debouncer for good.
// It is safe to call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.closed = true
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}
