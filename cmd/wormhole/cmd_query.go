package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sebastianm/wormhole/internal/control"
)

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <session> <text...>",
		Short: "Send a prompt to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient("")
			if err := client.Query(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Println("Query sent")
			return nil
		},
	}
}
