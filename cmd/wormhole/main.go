// Command wormhole runs the session daemon and the CLI that talks to it
// over the local control socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wormhole",
		Short:         "Coordinate AI coding sessions across devices on your local network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		daemonCmd(),
		openCmd(),
		closeCmd(),
		listCmd(),
		statusCmd(),
		attachCmd(),
		queryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
