package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebastianm/wormhole/internal/control"
)

func attachCmd() *cobra.Command {
	var useScreen bool

	cmd := &cobra.Command{
		Use:   "attach <session>",
		Short: "Attach an interactive terminal to a session's conversation",
		Long: `Attach resolves the session's driver session id and runs the Claude
CLI against the same conversation. With --screen the CLI runs inside a
detachable screen session named wormhole-<session>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			client := control.NewClient("")
			sessionID, err := client.ResolveAttach(cmd.Context(), name)
			if err != nil {
				return err
			}

			if useScreen {
				return attachScreen(name, sessionID)
			}

			fmt.Printf("Attaching to %q (session id %s)...\n", name, sessionID)
			attach := exec.Command("claude", "--resume", sessionID)
			attach.Stdin = os.Stdin
			attach.Stdout = os.Stdout
			attach.Stderr = os.Stderr
			return attach.Run()
		},
	}

	cmd.Flags().BoolVar(&useScreen, "screen", false, "Run in a detachable screen session")
	return cmd
}

// attachScreen replaces this process with screen, resuming an existing
// wormhole-<name> screen session when one is already running.
func attachScreen(name, sessionID string) error {
	screenPath, err := exec.LookPath("screen")
	if err != nil {
		return fmt.Errorf("screen not found in PATH: %w", err)
	}
	screenName := "wormhole-" + name

	argv := []string{"screen", "-S", screenName, "claude", "--resume", sessionID}
	if out, err := exec.Command(screenPath, "-list", screenName).CombinedOutput(); err == nil &&
		strings.Contains(string(out), screenName) {
		fmt.Printf("Attaching to existing screen session %q...\n", screenName)
		argv = []string{"screen", "-r", screenName}
	} else {
		fmt.Printf("Creating screen session %q...\n", screenName)
	}

	return syscall.Exec(screenPath, argv, os.Environ())
}
