// Package cli implements the opsync command line: the serve command that runs
// the daemon, and thin client commands that talk to a running daemon over its
// HTTP API.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/opsync/pkg/client"
)

// DefaultAddr is the daemon address client commands use without --addr.
const DefaultAddr = "http://127.0.0.1:7420"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	APIKey  string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the opsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "opsync",
		Short: "opsync - offline operation queue and sync engine",
		Long: `opsync records edits made while a device is offline and replays them,
in order, against a remote once connectivity returns.

Run "opsync serve" to start the daemon. The other commands talk to a running
daemon over its HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", envOr("OPSYNC_ADDR", DefaultAddr), "daemon base URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("OPSYNC_API_KEY"), "API key sent as X-Api-Key")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-request timeout")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewConnectivityCommand(opts, true))
	cmd.AddCommand(NewConnectivityCommand(opts, false))

	return cmd
}

// newClient builds an API client from the global flags.
func (o *RootOptions) newClient() *client.Client {
	opts := []client.ClientOption{client.WithTimeout(o.Timeout)}
	if o.APIKey != "" {
		opts = append(opts, client.WithAPIKey(o.APIKey))
	}
	return client.New(o.Addr, opts...)
}

// formatter returns an OutputFormatter bound to cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
