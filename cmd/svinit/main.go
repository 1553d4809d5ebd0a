// Command svinit is a process supervisor usable as PID 1: it forks and
// reaps services, multiplexes a line-oriented control protocol over
// any number of attached controllers, and exposes a typed option
// registry for CLI flags, --config replay, and --preset files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "svinit",
	Short:         "svinit -- process supervisor usable as PID 1",
	Long:          "svinit forks, reaps, and supervises services, speaking a line-oriented control protocol over stdin, a Unix socket, or per-service control fds.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
