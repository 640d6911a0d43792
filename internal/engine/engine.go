// Package engine is the central orchestrator for opsync.
//
// All application code (HTTP handlers, WebSocket, CLI) talks to the Engine,
// never directly to the queue, syncer or store. This keeps the layers
// decoupled and gives every transport the same behaviour.
//
// Data flow:
//
//	Producer  → Engine.Enqueue     → queue.Queue.Enqueue → store.Log.Save
//	Network   → Monitor (debounce) → Engine.TriggerSync  → syncer.Syncer
//	Syncer    → remote.Applier.Apply, one operation at a time
//	Queue     → status.Reporter    → Engine.Subscribe listeners
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snehjoshi/opsync/internal/config"
	"github.com/snehjoshi/opsync/internal/device"
	"github.com/snehjoshi/opsync/internal/metrics"
	"github.com/snehjoshi/opsync/internal/network"
	"github.com/snehjoshi/opsync/internal/queue"
	"github.com/snehjoshi/opsync/internal/remote"
	"github.com/snehjoshi/opsync/internal/scheduler"
	"github.com/snehjoshi/opsync/internal/status"
	"github.com/snehjoshi/opsync/internal/store"
	"github.com/snehjoshi/opsync/internal/store/bolt"
	"github.com/snehjoshi/opsync/internal/store/memory"
	"github.com/snehjoshi/opsync/internal/store/pebble"
	"github.com/snehjoshi/opsync/internal/store/sqlite"
	"github.com/snehjoshi/opsync/internal/syncer"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrNoRemote is returned by Open when neither remote.url nor an Applier
	// option is provided.
	ErrNoRemote = errors.New("engine: no remote configured")

	// ErrNotManual is returned by SetOnline when connectivity comes from a
	// probe rather than the manual source.
	ErrNotManual = errors.New("engine: connectivity is not manually controlled")

	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("engine: closed")
)

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for Open.
type Option func(*options)

type options struct {
	applier    remote.Applier
	backend    store.Backend
	source     network.Source
	clock      scheduler.Clock
	metrics    *metrics.Registry
	onComplete func(syncer.Result)
}

// WithApplier replaces the HTTP applier built from remote.url.
func WithApplier(a remote.Applier) Option {
	return func(o *options) { o.applier = a }
}

// WithBackend replaces the backend selected by store.backend. The Engine
// takes ownership and closes it on Close.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithSource replaces the connectivity source selected by network.source.
func WithSource(s network.Source) Option {
	return func(o *options) { o.source = s }
}

// WithClock replaces the clock driving timestamps and the debounce window.
func WithClock(c scheduler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics attaches a metrics.Registry so that every enqueue, apply and
// drain increments the relevant counter.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// WithOnSyncComplete registers fn to run after every drain pass.
func WithOnSyncComplete(fn func(syncer.Result)) Option {
	return func(o *options) { o.onComplete = fn }
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine wires the store, queue, syncer and network monitor into a single
// façade used by every transport layer.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	deviceID  string
	sessionID string

	backend  store.Backend
	q        *queue.Queue
	syncer   *syncer.Syncer
	monitor  *network.Monitor
	manual   *network.Manual // nil unless connectivity is manual
	reporter *status.Reporter
	metrics  *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup // running drains, whoever started them
}

// Open builds and starts an Engine from cfg.
//
// The device identity is loaded from (or created in) cfg.Device.DataDir and
// the pending-operation log of the previous session is restored before Open
// returns. When the device is already online and operations were restored, a
// sync is scheduled after the debounce window.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = scheduler.Real()
	}

	dev, err := device.Open(cfg.Device.DataDir, cfg.Device.ID)
	if err != nil {
		return nil, err
	}
	sessionID, err := device.NewID()
	if err != nil {
		return nil, fmt.Errorf("engine: session id: %w", err)
	}

	applier := o.applier
	if applier == nil {
		if cfg.Remote.URL == "" {
			return nil, ErrNoRemote
		}
		applier = remote.NewHTTPApplier(cfg.Remote.URL,
			remote.WithSecret(cfg.Remote.Secret),
			remote.WithDeviceID(dev.ID().String()),
			remote.WithTimeout(time.Duration(cfg.Remote.TimeoutMs)*time.Millisecond),
		)
	}

	backend := o.backend
	if backend == nil {
		if backend, err = openBackend(cfg); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		deviceID:  dev.ID().String(),
		sessionID: sessionID,
		backend:   backend,
		reporter:  status.NewReporter(),
		metrics:   o.metrics,
		ctx:       ctx,
		cancel:    cancel,
	}

	e.q = queue.New(
		store.NewLog(backend, cfg.Store.Key),
		queue.Config{
			MaxRetries: cfg.Sync.MaxRetries,
			SessionID:  sessionID,
			DeviceID:   e.deviceID,
		},
		queue.WithClock(o.clock),
		queue.WithReporter(e.reporter),
	)

	syncOpts := []syncer.Option{syncer.WithOnComplete(o.onComplete)}
	if e.metrics != nil {
		syncOpts = append(syncOpts, syncer.WithMetrics(e.metrics))
		e.metrics.SetGaugeFunc(func() metrics.Gauges {
			return metrics.Gauges{Queued: e.q.Len(), Failed: e.q.FailedLen(), Online: e.q.Online()}
		})
	}
	e.syncer = syncer.New(e.q, applier, syncOpts...)

	src := o.source
	if src == nil {
		switch cfg.Network.Source {
		case config.SourceProbe:
			p := network.NewProber(cfg.Network.ProbeURL,
				network.WithInterval(time.Duration(cfg.Network.ProbeIntervalMs)*time.Millisecond))
			go func() { _ = p.Run(ctx) }()
			src = p
		default:
			src = network.NewManual(cfg.Network.InitialOnline)
		}
	}
	e.manual, _ = src.(*network.Manual)

	e.monitor = network.NewMonitor(src,
		network.WithClock(o.clock),
		network.WithQuietPeriod(time.Duration(cfg.Network.DebounceMs)*time.Millisecond),
		network.WithOnSettled(e.settled),
	)
	// Connectivity is reflected in the queue state at once; only the sync
	// trigger waits for the debounce window.
	e.monitor.Subscribe(func(online bool) { e.q.SetOnline(online) })
	e.q.SetOnline(e.monitor.Online())
	if e.q.Online() && e.q.Len() > 0 {
		e.monitor.Kick()
	}

	slog.Info("engine opened",
		"device_id", e.deviceID,
		"session_id", sessionID,
		"backend", backendName(cfg, o.backend),
		"queued", e.q.Len(),
		"failed", e.q.FailedLen(),
		"online", e.q.Online(),
	)
	return e, nil
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	path := cfg.StorePath()
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("engine: create store dir: %w", err)
		}
	}
	switch cfg.Store.Backend {
	case config.BackendBolt, "":
		return bolt.Open(path)
	case config.BackendSQLite:
		return sqlite.Open(path)
	case config.BackendPebble:
		return pebble.Open(path)
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("engine: unknown store backend %q", cfg.Store.Backend)
	}
}

func backendName(cfg *config.Config, override store.Backend) string {
	if override != nil {
		return fmt.Sprintf("%T", override)
	}
	return string(cfg.Store.Backend)
}

// settled runs on the monitor's timer goroutine once connectivity has been
// stable for the debounce window.
func (e *Engine) settled(online bool) {
	if !online || e.q.Len() == 0 {
		return
	}
	if !e.beginDrain() {
		return
	}
	defer e.inflight.Done()

	e.syncer.TriggerSync(e.ctx)
}

// beginDrain registers a drain with inflight so that Close waits for it. It
// reports false once the Engine is closed.
func (e *Engine) beginDrain() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.inflight.Add(1)
	return true
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ─── Producer API ─────────────────────────────────────────────────────────────

// Enqueue records a new operation and persists the pending log. The payload
// is opaque and never validated.
func (e *Engine) Enqueue(kind queue.Kind, payload []byte) (*queue.Operation, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	op, err := e.q.Enqueue(kind, payload)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.Enqueued.Inc(string(kind))
	}
	return op, nil
}

// TriggerSync runs a drain pass on the calling goroutine. It reports false
// when the device is offline, a pass is already running or the Engine is
// closed. Cancelling ctx does not stop the pass; only its values are kept.
func (e *Engine) TriggerSync(ctx context.Context) (syncer.Result, bool) {
	if !e.beginDrain() {
		return syncer.Result{}, false
	}
	defer e.inflight.Done()
	return e.syncer.TriggerSync(context.WithoutCancel(ctx))
}

// Clear drops every queued and failed operation and the persisted log.
func (e *Engine) Clear() {
	e.q.Clear()
}

// RetryFailed moves the failed operation id back to the end of the queue with
// a fresh retry budget. It reports false if id is not in the failed set.
func (e *Engine) RetryFailed(id uint64) bool {
	op, ok := e.q.Get(id)
	if !ok || !e.q.RetryFailed(id) {
		return false
	}
	if e.metrics != nil {
		e.metrics.Retried.Inc(string(op.Kind))
	}
	return true
}

// RetryAllFailed re-queues every failed operation and returns how many moved.
func (e *Engine) RetryAllFailed() int {
	failed := e.q.Failed()
	n := e.q.RetryAllFailed()
	if e.metrics != nil && n > 0 {
		for _, op := range failed {
			e.metrics.Retried.Inc(string(op.Kind))
		}
	}
	return n
}

// SetOnline overrides connectivity. It only works with the manual source.
func (e *Engine) SetOnline(online bool) error {
	if e.manual == nil {
		return ErrNotManual
	}
	e.manual.Set(online)
	return nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Status returns the current queue state.
func (e *Engine) Status() status.Snapshot { return e.q.Snapshot() }

// Stats returns per-status operation counts.
func (e *Engine) Stats() status.Counts { return e.q.Stats() }

// Subscribe registers fn for every state change. fn runs synchronously on the
// goroutine that changed the state and must not block or call mutators.
func (e *Engine) Subscribe(fn status.Listener) (unsubscribe func()) {
	return e.reporter.Subscribe(fn)
}

// Get returns a copy of the queued or failed operation id.
func (e *Engine) Get(id uint64) (*queue.Operation, bool) { return e.q.Get(id) }

// Queued returns the queued operations in FIFO order.
func (e *Engine) Queued() []*queue.Operation { return e.q.Queued() }

// Failed returns the dead-lettered operations.
func (e *Engine) Failed() []*queue.Operation { return e.q.Failed() }

// Online reports the current connectivity.
func (e *Engine) Online() bool { return e.q.Online() }

// ManualConnectivity reports whether SetOnline is available.
func (e *Engine) ManualConnectivity() bool { return e.manual != nil }

// DeviceID returns the persistent device identity.
func (e *Engine) DeviceID() string { return e.deviceID }

// SessionID returns the id of this engine instance.
func (e *Engine) SessionID() string { return e.sessionID }

// Metrics returns the attached registry, or nil.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Close cancels the pending debounce timer, waits for every running drain
// to finish, persists the log and closes the backend. It is safe to call more
// than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.monitor.Close()
	e.inflight.Wait()
	e.cancel()

	var errs []error
	if err := e.q.Persist(); err != nil {
		errs = append(errs, fmt.Errorf("engine: final persist: %w", err))
	}
	if err := e.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: close backend: %w", err))
	}
	slog.Info("engine closed", "queued", e.q.Len(), "failed", e.q.FailedLen())
	return errors.Join(errs...)
}
