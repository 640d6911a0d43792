package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/opsync/internal/config"
	"github.com/snehjoshi/opsync/internal/engine"
	"github.com/snehjoshi/opsync/internal/metrics"
	"github.com/snehjoshi/opsync/internal/syncer"
	transphttp "github.com/snehjoshi/opsync/internal/transport/http"
)

const shutdownTimeout = 5 * time.Second

// NewServeCommand creates the serve command, which runs the daemon.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the opsync daemon",
		Long: `Run the opsync daemon: restore the pending-operation log, watch
connectivity, drain the queue to the remote once the device has been online
for the debounce period, and serve the HTTP API.

A missing config file is not an error; defaults and OPSYNC_* environment
overrides apply.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid config", err)
			}
			slog.SetDefault(NewLogger(cmd.ErrOrStderr(), cfg.Log))
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "opsync.yaml", "path to config file")
	return cmd
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// runServe runs the daemon until ctx is cancelled, SIGINT/SIGTERM arrives, or
// the listener fails.
func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── 1. Metrics registry ──────────────────────────────────────────────────
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = &metrics.Registry{}
	}

	// ── 2. Engine (store + queue + network monitor + syncer) ─────────────────
	e, err := engine.Open(cfg,
		engine.WithMetrics(reg),
		engine.WithOnSyncComplete(func(r syncer.Result) {
			if !r.AllSucceeded {
				slog.Warn("drain finished with failures",
					"drain_id", r.ID, "failed", r.Failed, "dead_lettered", r.DeadLettered)
			}
		}),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "open engine", err)
	}

	slog.Info("opsync starting",
		"device_id", e.DeviceID(),
		"session_id", e.SessionID(),
		"listen", cfg.Server.Listen,
		"data_dir", cfg.Device.DataDir,
		"store", cfg.Store.Backend,
		"network_source", cfg.Network.Source,
	)

	// ── 3. HTTP / WebSocket transport ────────────────────────────────────────
	srv := transphttp.New(e, cfg, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("opsync ready", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(cfg.Server.Listen); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		return nil
	})

	// ── 4. Graceful shutdown ─────────────────────────────────────────────────
	serveErr := g.Wait()
	if err := e.Close(); err != nil {
		slog.Warn("engine close error", "err", err)
	}
	slog.Info("opsync stopped")

	if serveErr != nil {
		return WrapExitError(ExitFailure, "serve", serveErr)
	}
	return nil
}
