// Command opsync runs the offline operation queue daemon and talks to it.
//
// Usage:
//
//	opsync serve [--config opsync.yaml]
//	opsync enqueue insert '{"row":7}'
//	opsync status
package main

import (
	"os"

	"github.com/snehjoshi/opsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		cli.NewFormatter(cmd).Error(err)
		os.Exit(cli.GetExitCode(err))
	}
}
