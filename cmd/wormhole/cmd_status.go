package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sebastianm/wormhole/internal/control"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := control.NewClient("")
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Wormhole daemon %s\n", st.Version)
			fmt.Printf("  Machine:  %s\n", st.MachineName)
			fmt.Printf("  Port:     %d\n", st.Port)
			fmt.Printf("  PID:      %d\n", st.PID)
			fmt.Printf("  Sessions: %d\n", st.Sessions)
			fmt.Printf("  Clients:  %d\n", st.Clients)
			return nil
		},
	}
}
