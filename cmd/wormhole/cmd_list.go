package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sebastianm/wormhole/internal/control"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := control.NewClient("")
			sessions, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tCOST\tDIRECTORY")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t$%.4f\t%s\n", s.Name, s.State, s.CostUSD, s.Directory)
			}
			return w.Flush()
		},
	}
}
