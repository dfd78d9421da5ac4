package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sebastianm/wormhole/internal/control"
)

func openCmd() *cobra.Command {
	var (
		name            string
		model           string
		resume          string
		skipPermissions bool
	)

	cmd := &cobra.Command{
		Use:   "open [directory] [-- extra driver args]",
		Short: "Open a session in a directory (default: current directory)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			extraArgs := args
			if len(args) > 0 && cmd.ArgsLenAtDash() != 0 {
				dir = args[0]
				extraArgs = args[1:]
			}
			if dir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("determine working directory: %w", err)
				}
				dir = cwd
			}

			client := control.NewClient("")
			created, err := client.Open(cmd.Context(), control.OpenParams{
				Name:      name,
				Directory: dir,
				Options: control.OpenOptions{
					Model:           model,
					Resume:          resume,
					SkipPermissions: skipPermissions,
					ExtraArgs:       extraArgs,
				},
			})
			if err != nil {
				return err
			}

			fmt.Printf("Session %q opened in %s\n", created, dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Session name (default: derived from directory)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this session")
	cmd.Flags().StringVar(&resume, "resume", "", "Resume an existing driver session id")
	cmd.Flags().BoolVar(&skipPermissions, "skip-permissions", false, "Auto-approve all tool use (dangerous)")
	return cmd
}
