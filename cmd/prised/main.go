// Command prised is the prise session-multiplexer daemon: it owns PTY
// sessions and their emulated screens, and serves front-end clients over
// a local unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "prised",
		Short:         "prise terminal session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")

	root.AddCommand(runCmd(), startCmd(), stopCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "prised:", err)
		os.Exit(1)
	}
}
