// Package http provides the HTTP transport layer for opsync.
//
// Routes:
//
//	GET    /health
//	GET    /status
//	GET    /status/ws
//	POST   /operations
//	GET    /operations
//	GET    /operations/{id}
//	DELETE /operations
//	POST   /operations/failed/retry
//	POST   /operations/failed/{id}/retry
//	POST   /sync
//	PUT    /connectivity
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/opsync/internal/config"
	"github.com/snehjoshi/opsync/internal/engine"
	"github.com/snehjoshi/opsync/internal/metrics"
	transportws "github.com/snehjoshi/opsync/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with opsync route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around an Engine. reg may be nil.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(e *engine.Engine, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{engine: e, started: time.Now()}
	ws := &transportws.Handler{Source: e}

	r := chi.NewRouter()

	// Build middleware chain: CORS → body limit → logging → metrics → auth → rate-limit
	r.Use(
		CORSMiddleware,
		MaxBodyMiddleware(int64(cfg.Server.MaxBodyKB)<<10),
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.Server.RateLimit), cfg.Server.Burst),
	)

	r.Get("/health", h.health)

	// Status
	r.Get("/status", h.status)
	r.Method(http.MethodGet, "/status/ws", ws)

	// Operations
	r.Route("/operations", func(r chi.Router) {
		r.Post("/", h.enqueue)
		r.Get("/", h.listOperations)
		r.Delete("/", h.clear)
		r.Get("/{id}", h.getOperation)
		r.Post("/failed/retry", h.retryAllFailed)
		r.Post("/failed/{id}/retry", h.retryFailed)
	})

	// Sync control
	r.Post("/sync", h.triggerSync)
	r.Put("/connectivity", h.setConnectivity)

	// Metrics (Prometheus text format)
	if reg != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", reg.Handler())
	}

	return &Server{
		inner: &http.Server{
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":7420").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
