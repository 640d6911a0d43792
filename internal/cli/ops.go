package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/opsync/pkg/client"
)

// ─── enqueue ──────────────────────────────────────────────────────────────────

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enqueue <insert|update|delete> [payload]",
		Short: "Record an edit in the queue",
		Long: `Record an edit in the daemon's queue. The payload is opaque; it is
taken from the second argument, or from --file ("-" reads stdin).`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case len(args) == 2 && file != "":
				return NewExitError(ExitCommandError, "payload argument and --file are mutually exclusive")
			case len(args) == 2:
				payload = []byte(args[1])
			case file == "-":
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return WrapExitError(ExitCommandError, "read stdin", err)
				}
				payload = data
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return WrapExitError(ExitCommandError, "read payload file", err)
				}
				payload = data
			}

			op, err := rootOpts.newClient().Enqueue(cmd.Context(), client.Kind(args[0]), payload)
			if err != nil {
				return apiError("enqueue", err)
			}
			return rootOpts.formatter(cmd).Success(op, func(w io.Writer) {
				fmt.Fprintf(w, "enqueued operation %d (%s)\n", op.ID, op.Kind)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `read the payload from a file ("-" for stdin)`)
	return cmd
}

// ─── list / get ───────────────────────────────────────────────────────────────

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued and failed operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := rootOpts.newClient().Operations(cmd.Context())
			if err != nil {
				return apiError("list operations", err)
			}
			return rootOpts.formatter(cmd).Success(ops, func(w io.Writer) {
				fmt.Fprintf(w, "queued (%d)\n", len(ops.Queued))
				writeOperations(w, ops.Queued)
				fmt.Fprintf(w, "failed (%d)\n", len(ops.Failed))
				writeOperations(w, ops.Failed)
			})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one queued or failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseOpID(args[0])
			if err != nil {
				return err
			}
			op, err := rootOpts.newClient().Get(cmd.Context(), id)
			if err != nil {
				return apiError("get operation", err)
			}
			return rootOpts.formatter(cmd).Success(op, func(w io.Writer) {
				writeOperations(w, []*client.Operation{op})
				if len(op.Payload) > 0 {
					fmt.Fprintf(w, "payload: %q\n", op.Payload)
				}
			})
		},
	}
}

// ─── status / health ──────────────────────────────────────────────────────────

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, sync state and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rootOpts.newClient().Status(cmd.Context())
			if err != nil {
				return apiError("status", err)
			}
			return rootOpts.formatter(cmd).Success(st, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "online\t%t\n", st.Online)
				fmt.Fprintf(tw, "syncing\t%t\n", st.Syncing)
				fmt.Fprintf(tw, "progress\t%.0f%%\n", st.SyncProgress)
				fmt.Fprintf(tw, "pending\t%d\n", st.Counts.Pending)
				fmt.Fprintf(tw, "failed\t%d\n", st.Counts.Failed)
				last := "never"
				if !st.LastSyncTime.IsZero() {
					last = st.LastSyncTime.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "last sync\t%s\n", last)
				fmt.Fprintf(tw, "device\t%s\n", st.DeviceID)
				_ = tw.Flush()
			})
		},
	}
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := rootOpts.newClient().Health(cmd.Context())
			if err != nil {
				return apiError("health", err)
			}
			return rootOpts.formatter(cmd).Success(h, func(w io.Writer) {
				fmt.Fprintf(w, "%s (version %s, up %s)\n", h.Status, h.Version, h.Uptime.Round(time.Second))
			})
		},
	}
}

// ─── sync / retry / clear ─────────────────────────────────────────────────────

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue now",
		Long: `Ask the daemon to drain the queue now. Nothing happens when the
daemon is offline or a drain is already running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, ran, err := rootOpts.newClient().Sync(cmd.Context())
			if err != nil {
				return apiError("sync", err)
			}
			out := rootOpts.formatter(cmd)
			if !ran {
				return out.Success(map[string]bool{"ran": false}, func(w io.Writer) {
					fmt.Fprintln(w, "no drain started (offline or already syncing)")
				})
			}
			if err := out.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "synced %d of %d operations in %s", res.Synced, res.Total, res.Duration.Round(time.Millisecond))
				if res.Failed > 0 {
					fmt.Fprintf(w, ", %d failed (%d moved to failed set)", res.Failed, res.DeadLettered)
				}
				fmt.Fprintln(w)
			}); err != nil {
				return err
			}
			if !res.AllSucceeded {
				return NewExitError(ExitFailure, "drain finished with failures")
			}
			return nil
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Move failed operations back to the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return NewExitError(ExitCommandError, "pass exactly one of an operation id or --all")
			}
			c := rootOpts.newClient()

			n := 1
			if all {
				var err error
				if n, err = c.RetryAllFailed(cmd.Context()); err != nil {
					return apiError("retry failed operations", err)
				}
			} else {
				id, err := parseOpID(args[0])
				if err != nil {
					return err
				}
				if err := c.RetryFailed(cmd.Context(), id); err != nil {
					return apiError("retry failed operation", err)
				}
			}
			return rootOpts.formatter(cmd).Success(map[string]int{"retried": n}, func(w io.Writer) {
				fmt.Fprintf(w, "re-queued %d operation(s)\n", n)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "retry the whole failed set")
	return cmd
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued and failed operation",
		Long:  "Drop every queued and failed operation. This cannot be undone; pass --yes to confirm.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to clear without --yes")
			}
			if err := rootOpts.newClient().Clear(cmd.Context()); err != nil {
				return apiError("clear", err)
			}
			return rootOpts.formatter(cmd).Success(map[string]bool{"cleared": true}, func(w io.Writer) {
				fmt.Fprintln(w, "queue cleared")
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the irreversible clear")
	return cmd
}

// ─── online / offline ─────────────────────────────────────────────────────────

// NewConnectivityCommand creates the online or offline command. Both only work
// against a daemon whose network source is manual.
func NewConnectivityCommand(rootOpts *RootOptions, online bool) *cobra.Command {
	use := "offline"
	if online {
		use = "online"
	}
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Mark the daemon %s (manual network source only)", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := rootOpts.newClient().SetConnectivity(cmd.Context(), online)
			if err != nil {
				return apiError("set connectivity", err)
			}
			return rootOpts.formatter(cmd).Success(map[string]bool{"online": now}, func(w io.Writer) {
				if now {
					fmt.Fprintln(w, "online")
				} else {
					fmt.Fprintln(w, "offline")
				}
			})
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseOpID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid operation id %q", s))
	}
	return id, nil
}

func writeOperations(w io.Writer, ops []*client.Operation) {
	if len(ops) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tKIND\tSTATUS\tRETRIES\tENQUEUED\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Kind, op.Status, op.RetryCount,
			op.EnqueuedAt.Local().Format(time.RFC3339), op.LastError)
	}
	_ = tw.Flush()
}
