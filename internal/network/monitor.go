package network

import (
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/opsync/internal/scheduler"
)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock replaces the clock driving the debounce window.
func WithClock(c scheduler.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithQuietPeriod sets the debounce window. Non-positive uses
// scheduler.DefaultQuietPeriod.
func WithQuietPeriod(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.quiet = d }
}

// WithOnSettled registers fn to run when the debounce window elapses. It
// receives the final state; fn decides whether that warrants a sync. fn runs
// on the timer goroutine.
func WithOnSettled(fn func(online bool)) MonitorOption {
	return func(m *Monitor) { m.onSettled = fn }
}

// Monitor debounces the transitions of a Source.
//
// Every transition is forwarded to subscribers immediately and restarts the
// debounce window. Rapid flapping therefore produces at most one settled
// callback, carrying whatever the state was when the flapping stopped.
type Monitor struct {
	src       Source
	clock     scheduler.Clock
	quiet     time.Duration
	onSettled func(online bool)
	deb       *scheduler.Debouncer
	fanout    broadcaster
	detach    func()

	closeOnce sync.Once
}

// NewMonitor attaches a Monitor to src.
func NewMonitor(src Source, opts ...MonitorOption) *Monitor {
	m := &Monitor{src: src, clock: scheduler.Real()}
	for _, o := range opts {
		o(m)
	}
	m.deb = scheduler.NewDebouncer(m.clock, m.quiet)
	m.fanout.online = src.Online()
	m.detach = src.Subscribe(m.transition)
	return m
}

// Online reports the source's current state.
func (m *Monitor) Online() bool { return m.src.Online() }

// QuietPeriod returns the debounce window.
func (m *Monitor) QuietPeriod() time.Duration { return m.deb.QuietPeriod() }

// Subscribe registers fn for every (undebounced) transition.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	return m.fanout.Subscribe(fn)
}

// Pending reports whether a settled callback is waiting for its window.
func (m *Monitor) Pending() bool { return m.deb.Pending() }

// Kick restarts the debounce window without a transition, as if the source
// had just reported its current state again. The engine uses it at start-up
// so operations restored while already online still get synced.
func (m *Monitor) Kick() { m.deb.Trigger(m.settle) }

// Close detaches from the source and cancels any pending settled callback so
// nothing fires after teardown. It is safe to call more than once.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.detach()
		m.deb.Stop()
	})
}

func (m *Monitor) transition(online bool) {
	slog.Debug("connectivity transition", "online", online)
	m.fanout.set(online)
	m.deb.Trigger(m.settle)
}

func (m *Monitor) settle() {
	online := m.src.Online()
	slog.Debug("connectivity settled", "online", online)
	if m.onSettled != nil {
		m.onSettled(online)
	}
}
