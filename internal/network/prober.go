package network

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DefaultProbeInterval is how often a Prober checks connectivity.
const DefaultProbeInterval = 5 * time.Second

// Prober is a Source that decides connectivity by requesting a URL on a fixed
// interval. Any HTTP response below 500 counts as online; a transport error,
// timeout or 5xx counts as offline.
//
// The Prober starts offline and reports nothing until Run is called.
type Prober struct {
	broadcaster

	url      string
	interval time.Duration
	client   *http.Client
}

var _ Source = (*Prober)(nil)

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeClient replaces the HTTP client used for probes.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// NewProber returns a Prober for url.
func NewProber(url string, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      url,
		interval: DefaultProbeInterval,
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		// A probe that outlives its interval is as good as offline.
		p.client = &http.Client{Timeout: p.interval}
	}
	return p
}

// Run probes once immediately and then on every tick until ctx is cancelled.
// It blocks; call it in its own goroutine.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs a single check, records the result, and returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if p.set(online) {
		slog.Info("connectivity changed", "online", online, "probe_url", p.url)
	}
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		slog.Warn("probe: build request", "url", p.url, "err", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("probe failed", "url", p.url, "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
