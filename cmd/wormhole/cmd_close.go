package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sebastianm/wormhole/internal/control"
)

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient("")
			if err := client.Close(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Session %q closed\n", args[0])
			return nil
		},
	}
}
