// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for opsync. It renders the exposition format itself instead of
// pulling in prometheus/client_golang.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Enqueued / Synced / ApplyFailures / DeadLettered / Retried  →  key = "kind"
//	Drains                                                      →  key = "result"
//	HTTPReqs                                                    →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                                      →  key = "method\tpath"
//
// Gauges (queue depth, failed depth, online) are read at scrape time from a
// GaugeFunc so they can never drift from the queue.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Gauges is the scrape-time view of the queue.
type Gauges struct {
	Queued int
	Failed int
	Online bool
}

// Drain results used as the Drains label.
const (
	DrainComplete = "complete" // every operation in the snapshot synced
	DrainPartial  = "partial"  // at least one apply failed
)

// Registry holds all opsync application metrics. The zero value is usable.
type Registry struct {
	// Operation-level counters.  key = operation kind
	Enqueued      labelCounter
	Synced        labelCounter
	ApplyFailures labelCounter
	DeadLettered  labelCounter
	Retried       labelCounter

	// Drain passes by result.  key = DrainComplete | DrainPartial
	Drains labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	gaugeMu sync.RWMutex
	gauges  func() Gauges
}

// SetGaugeFunc installs fn as the source of the queue gauges.
func (r *Registry) SetGaugeFunc(fn func() Gauges) {
	r.gaugeMu.Lock()
	r.gauges = fn
	r.gaugeMu.Unlock()
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

type family struct {
	name, help string
	c          *labelCounter
	labels     func(key string) string
}

func kindLabels(key string) string   { return fmt.Sprintf(`kind=%q`, key) }
func resultLabels(key string) string { return fmt.Sprintf(`result=%q`, key) }

func httpLabels(key string) string {
	method, path, status := splitThree(key)
	return fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status)
}

func httpDurLabels(key string) string {
	method, path := splitTwo(key)
	return fmt.Sprintf(`method=%q,path=%q`, method, path)
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	var b strings.Builder

	// ── operation counters ────────────────────────────────────────────────
	counters := []family{
		{"opsync_operations_enqueued_total", "Total operations enqueued", &r.Enqueued, kindLabels},
		{"opsync_operations_synced_total", "Total operations applied to the remote", &r.Synced, kindLabels},
		{"opsync_apply_failures_total", "Total failed apply attempts", &r.ApplyFailures, kindLabels},
		{"opsync_operations_dead_lettered_total", "Total operations moved to the failed set", &r.DeadLettered, kindLabels},
		{"opsync_operations_retried_total", "Total failed operations manually re-queued", &r.Retried, kindLabels},
		{"opsync_drains_total", "Total drain passes by result", &r.Drains, resultLabels},
		// ── HTTP counters ─────────────────────────────────────────────────
		{"opsync_http_requests_total", "Total HTTP requests by method, path, and status code", &r.HTTPReqs, httpLabels},
		{"opsync_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", &r.HTTPDurMs, httpDurLabels},
		{"opsync_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", &r.HTTPDurCnt, httpDurLabels},
	}
	for _, f := range counters {
		writeFamily(&b, f.name, f.help, "counter", func(fn func(labels, val string)) {
			f.c.Each(func(key string, val int64) {
				fn(f.labels(key), fmt.Sprintf("%d", val))
			})
		})
	}

	// ── gauges ────────────────────────────────────────────────────────────
	r.gaugeMu.RLock()
	gf := r.gauges
	r.gaugeMu.RUnlock()
	if gf != nil {
		g := gf()
		online := 0
		if g.Online {
			online = 1
		}
		writeGauge(&b, "opsync_queue_depth", "Operations waiting to be applied", g.Queued)
		writeGauge(&b, "opsync_failed_depth", "Operations in the failed set", g.Failed)
		writeGauge(&b, "opsync_online", "1 when the device is online", online)
	}
	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func writeGauge(b *strings.Builder, name, help string, v int) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
