package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/opsync/internal/config"
	"github.com/snehjoshi/opsync/internal/engine"
	"github.com/snehjoshi/opsync/internal/metrics"
	"github.com/snehjoshi/opsync/internal/network"
	"github.com/snehjoshi/opsync/internal/queue"
	"github.com/snehjoshi/opsync/internal/remote"
	"github.com/snehjoshi/opsync/internal/scheduler"
	"github.com/snehjoshi/opsync/internal/status"
	"github.com/snehjoshi/opsync/internal/store"
	"github.com/snehjoshi/opsync/internal/store/memory"
	"github.com/snehjoshi/opsync/internal/syncer"
	"github.com/snehjoshi/opsync/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeRemote records applies and fails every id in fail.
type fakeRemote struct {
	mu      sync.Mutex
	applied []uint64
	fail    map[uint64]bool
	failAll bool
}

func (f *fakeRemote) Apply(_ context.Context, op *types.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op.ID)
	if f.failAll || f.fail[op.ID] {
		return errors.New("merge rejected")
	}
	return nil
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type harness struct {
	eng     *engine.Engine
	src     *network.Manual
	clock   *scheduler.FakeClock
	backend *memory.Backend
	remote  *fakeRemote
	results []syncer.Result
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Device.DataDir = t.TempDir()
	cfg.Store.Backend = config.BackendMemory
	return cfg
}

func openHarness(t *testing.T, online bool, backend *memory.Backend) *harness {
	t.Helper()
	if backend == nil {
		backend = memory.New()
	}
	h := &harness{
		src:     network.NewManual(online),
		clock:   scheduler.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
		backend: backend,
		remote:  &fakeRemote{},
	}
	eng, err := engine.Open(testConfig(t),
		engine.WithApplier(h.remote),
		engine.WithBackend(backend),
		engine.WithSource(h.src),
		engine.WithClock(h.clock),
		engine.WithOnSyncComplete(func(r syncer.Result) { h.results = append(h.results, r) }),
	)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	h.eng = eng
	return h
}

func (h *harness) enqueue(t *testing.T, n int) []uint64 {
	t.Helper()
	var ids []uint64
	for i := 0; i < n; i++ {
		op, err := h.eng.Enqueue(queue.KindInsert, []byte(`{"n":1}`))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, op.ID)
	}
	return ids
}

// ─── Scenarios ───────────────────────────────────────────────────────────────

func TestEngine_OfflineEnqueueThenOnlineSyncsAfterDebounce(t *testing.T) {
	h := openHarness(t, false, nil)
	h.enqueue(t, 3)

	h.src.Set(true)
	if !h.eng.Status().Online {
		t.Fatal("online state must be reflected immediately")
	}
	h.clock.Advance(1999 * time.Millisecond)
	if h.remote.count() != 0 {
		t.Fatal("sync started before the debounce window elapsed")
	}
	h.clock.Advance(time.Millisecond)

	if h.remote.count() != 3 {
		t.Fatalf("applies: want 3, got %d", h.remote.count())
	}
	s := h.eng.Status()
	if len(s.Queued) != 0 || s.SyncProgress != 100 || s.Syncing {
		t.Fatalf("final status: %+v", s)
	}
	if len(h.results) != 1 || !h.results[0].AllSucceeded || h.results[0].Synced != 3 {
		t.Fatalf("completion: %+v", h.results)
	}
}

func TestEngine_AlwaysFailingOperationDeadLettersAfterThreeTriggers(t *testing.T) {
	h := openHarness(t, true, nil)
	h.remote.failAll = true
	id := h.enqueue(t, 1)[0]

	for i := 0; i < 3; i++ {
		if _, ran := h.eng.TriggerSync(context.Background()); !ran {
			t.Fatalf("trigger %d did not run", i+1)
		}
	}
	failed := h.eng.Failed()
	if len(failed) != 1 || failed[0].ID != id || failed[0].RetryCount != 3 {
		t.Fatalf("failed set: %+v", failed)
	}
}

func TestEngine_BackToBackTriggersRunOneDrain(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var calls int
	var mu sync.Mutex
	eng, err := engine.Open(testConfig(t),
		engine.WithBackend(memory.New()),
		engine.WithSource(network.NewManual(true)),
		engine.WithClock(scheduler.NewFakeClock(time.Unix(0, 0))),
		engine.WithApplier(remote.ApplyFunc(func(context.Context, *types.Operation) error {
			mu.Lock()
			calls++
			mu.Unlock()
			started <- struct{}{}
			<-release
			return nil
		})),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	eng.Enqueue(queue.KindUpdate, nil)
	eng.Enqueue(queue.KindUpdate, nil)

	done := make(chan struct{})
	go func() {
		eng.TriggerSync(context.Background())
		close(done)
	}()
	<-started
	if _, ran := eng.TriggerSync(context.Background()); ran {
		t.Fatal("second trigger ran while the first was active")
	}
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("applies: want 2, got %d", calls)
	}
}

func TestEngine_RestoresPreviousSession(t *testing.T) {
	b := memory.New()
	b.Put(store.DefaultKey, []byte(`[
		{"id":1,"kind":"insert","enqueuedAt":"2026-04-30T10:00:00Z","payload":"e30=","retryCount":0,"status":"pending"},
		{"id":2,"kind":"delete","enqueuedAt":"2026-04-30T10:00:01Z","payload":null,"retryCount":1,"status":"pending"}
	]`))

	h := openHarness(t, false, b)
	q := h.eng.Queued()
	if len(q) != 2 || q[0].ID != 1 || q[1].ID != 2 || q[1].RetryCount != 1 {
		t.Fatalf("restored queue: %+v", q)
	}
	if len(h.eng.Failed()) != 0 {
		t.Fatal("failed set should be empty")
	}
	if op := h.enqueue(t, 1); op[0] != 3 {
		t.Fatalf("next id: want 3, got %d", op[0])
	}
}

func TestEngine_RetryFailedRequeues(t *testing.T) {
	h := openHarness(t, true, nil)
	h.remote.failAll = true
	id := h.enqueue(t, 1)[0]
	for i := 0; i < 3; i++ {
		h.eng.TriggerSync(context.Background())
	}

	if !h.eng.RetryFailed(id) {
		t.Fatal("RetryFailed: want true")
	}
	op, ok := h.eng.Get(id)
	if !ok || op.Status != queue.StatusPending || op.RetryCount != 0 {
		t.Fatalf("retried op: %+v", op)
	}
	if h.eng.RetryFailed(id) {
		t.Fatal("RetryFailed on a queued op: want false")
	}

	h.remote.failAll = false
	res, _ := h.eng.TriggerSync(context.Background())
	if res.Synced != 1 || len(h.eng.Queued()) != 0 {
		t.Fatalf("after retry: %+v", res)
	}
}

// ─── Engine behaviour ────────────────────────────────────────────────────────

func TestEngine_OfflineTriggerIsNoop(t *testing.T) {
	h := openHarness(t, false, nil)
	h.enqueue(t, 2)
	before := h.eng.Status()

	if _, ran := h.eng.TriggerSync(context.Background()); ran {
		t.Fatal("TriggerSync offline: want false")
	}
	after := h.eng.Status()
	if len(after.Queued) != len(before.Queued) || after.Syncing || h.remote.count() != 0 {
		t.Fatalf("state changed: %+v", after)
	}
}

func TestEngine_FlappingTriggersOneDrain(t *testing.T) {
	h := openHarness(t, false, nil)
	h.enqueue(t, 1)

	for i := 0; i < 5; i++ {
		h.src.Set(true)
		h.clock.Advance(300 * time.Millisecond)
		h.src.Set(false)
		h.clock.Advance(300 * time.Millisecond)
	}
	h.src.Set(true)
	h.clock.Advance(2 * time.Second)

	if len(h.results) != 1 {
		t.Fatalf("drains: want 1, got %d", len(h.results))
	}
}

func TestEngine_SettledOfflineDoesNotSync(t *testing.T) {
	h := openHarness(t, true, nil)
	h.enqueue(t, 1)
	h.src.Set(false)
	h.clock.Advance(5 * time.Second)
	if h.remote.count() != 0 {
		t.Fatal("synced while offline")
	}
}

func TestEngine_EmptyQueueDoesNotSyncOnReconnect(t *testing.T) {
	h := openHarness(t, false, nil)
	h.src.Set(true)
	h.clock.Advance(5 * time.Second)
	if len(h.results) != 0 {
		t.Fatalf("drain ran for an empty queue: %+v", h.results)
	}
}

func TestEngine_StartOnlineWithRestoredOpsSyncs(t *testing.T) {
	b := memory.New()
	b.Put(store.DefaultKey, []byte(`[{"id":4,"kind":"update","status":"pending"}]`))
	h := openHarness(t, true, b)

	h.clock.Advance(2 * time.Second)
	if h.remote.count() != 1 || len(h.eng.Queued()) != 0 {
		t.Fatalf("restored op not synced: applies=%d", h.remote.count())
	}
}

func TestEngine_CloseCancelsPendingDebounce(t *testing.T) {
	h := openHarness(t, false, nil)
	h.enqueue(t, 1)
	h.src.Set(true)

	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.clock.Advance(time.Minute)
	if h.remote.count() != 0 {
		t.Fatal("debounced sync fired after Close")
	}
	if _, err := h.eng.Enqueue(queue.KindInsert, nil); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("Enqueue after Close: want ErrClosed, got %v", err)
	}
	if err := h.eng.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEngine_SubscribeSeesProgress(t *testing.T) {
	h := openHarness(t, true, nil)
	h.enqueue(t, 4)

	var progress []float64
	unsub := h.eng.Subscribe(func(s status.Snapshot) {
		if s.Syncing {
			progress = append(progress, s.SyncProgress)
		}
	})
	h.eng.TriggerSync(context.Background())
	unsub()

	last := progress[len(progress)-1]
	if last != 100 {
		t.Fatalf("last in-drain progress: want 100, got %v (%v)", last, progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
}

func TestEngine_SetOnlineRequiresManualSource(t *testing.T) {
	h := openHarness(t, false, nil)
	if err := h.eng.SetOnline(true); err != nil {
		t.Fatalf("SetOnline manual: %v", err)
	}
	if !h.eng.Online() {
		t.Fatal("Online: want true")
	}

	eng, err := engine.Open(testConfig(t),
		engine.WithApplier(h.remote),
		engine.WithSource(network.NewProber("http://127.0.0.1:1/health")),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	if err := eng.SetOnline(true); !errors.Is(err, engine.ErrNotManual) {
		t.Fatalf("SetOnline with prober: want ErrNotManual, got %v", err)
	}
}

func TestEngine_OpenWithoutRemote(t *testing.T) {
	if _, err := engine.Open(testConfig(t)); !errors.Is(err, engine.ErrNoRemote) {
		t.Fatalf("want ErrNoRemote, got %v", err)
	}
}

func TestEngine_Metrics(t *testing.T) {
	reg := &metrics.Registry{}
	fr := &fakeRemote{failAll: true}
	eng, err := engine.Open(testConfig(t),
		engine.WithApplier(fr),
		engine.WithSource(network.NewManual(true)),
		engine.WithMetrics(reg),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	op, _ := eng.Enqueue(queue.KindDelete, nil)
	for i := 0; i < 3; i++ {
		eng.TriggerSync(context.Background())
	}
	eng.RetryFailed(op.ID)

	if reg.Enqueued.Value("delete") != 1 ||
		reg.ApplyFailures.Value("delete") != 3 ||
		reg.DeadLettered.Value("delete") != 1 ||
		reg.Retried.Value("delete") != 1 {
		t.Fatal("operation counters not recorded")
	}
}

// ─── Persistent backends ─────────────────────────────────────────────────────

func TestEngine_PersistentBackendsSurviveRestart(t *testing.T) {
	for _, backend := range []config.Backend{config.BackendBolt, config.BackendSQLite, config.BackendPebble} {
		t.Run(string(backend), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Store.Backend = backend
			fr := &fakeRemote{}

			eng, err := engine.Open(cfg, engine.WithApplier(fr))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			device := eng.DeviceID()
			eng.Enqueue(queue.KindInsert, []byte(`{"a":1}`))
			eng.Enqueue(queue.KindUpdate, []byte(`{"a":2}`))
			if err := eng.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			eng2, err := engine.Open(cfg, engine.WithApplier(fr))
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			t.Cleanup(func() { _ = eng2.Close() })
			if got := eng2.Queued(); len(got) != 2 || string(got[1].Payload) != `{"a":2}` {
				t.Fatalf("restored: %+v", got)
			}
			if eng2.DeviceID() != device {
				t.Fatal("device id changed across restart")
			}
			if eng2.SessionID() == eng.SessionID() {
				t.Fatal("session id must be fresh per instance")
			}
		})
	}
}

// ─── Drain lifetime ──────────────────────────────────────────────────────────

// ctxRemote fails with the context error when its context is done, the way a
// real HTTP applier would.
func ctxRemote(applied *int, mu *sync.Mutex) remote.Applier {
	return remote.ApplyFunc(func(ctx context.Context, _ *types.Operation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		*applied++
		mu.Unlock()
		return nil
	})
}

func TestEngine_TriggerSyncIgnoresCallerCancellation(t *testing.T) {
	var (
		mu      sync.Mutex
		applied int
	)
	eng, err := engine.Open(testConfig(t),
		engine.WithBackend(memory.New()),
		engine.WithSource(network.NewManual(true)),
		engine.WithClock(scheduler.NewFakeClock(time.Unix(0, 0))),
		engine.WithApplier(ctxRemote(&applied, &mu)),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	eng.Enqueue(queue.KindInsert, []byte(`{}`))
	eng.Enqueue(queue.KindDelete, []byte(`{}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, ran := eng.TriggerSync(ctx)
	if !ran {
		t.Fatal("drain did not run")
	}
	if !res.AllSucceeded || res.Synced != 2 {
		t.Fatalf("result: %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if applied != 2 {
		t.Fatalf("applies: want 2, got %d", applied)
	}
	if len(eng.Queued()) != 0 || len(eng.Failed()) != 0 {
		t.Fatalf("queue not drained: queued=%d failed=%d", len(eng.Queued()), len(eng.Failed()))
	}
}

func TestEngine_CloseWaitsForCallerStartedDrain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendBolt

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := remote.ApplyFunc(func(context.Context, *types.Operation) error {
		close(started)
		<-release
		return nil
	})
	eng, err := engine.Open(cfg,
		engine.WithSource(network.NewManual(true)),
		engine.WithClock(scheduler.NewFakeClock(time.Unix(0, 0))),
		engine.WithApplier(blocking),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eng.Enqueue(queue.KindInsert, []byte(`{"a":1}`))

	drained := make(chan struct{})
	go func() {
		eng.TriggerSync(context.Background())
		close(drained)
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- eng.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned while a drain was inside Apply")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-drained
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}

	fr := &fakeRemote{}
	eng2, err := engine.Open(cfg, engine.WithApplier(fr), engine.WithSource(network.NewManual(false)))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = eng2.Close() })
	if got := eng2.Queued(); len(got) != 0 {
		t.Fatalf("synced operation restored after restart: %+v", got)
	}
}

func TestEngine_TriggerSyncAfterCloseIsNoop(t *testing.T) {
	h := openHarness(t, true, nil)
	h.enqueue(t, 1)
	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ran := h.eng.TriggerSync(context.Background()); ran {
		t.Fatal("drain ran on a closed engine")
	}
	if h.remote.count() != 0 {
		t.Fatalf("applies after close: %d", h.remote.count())
	}
}
