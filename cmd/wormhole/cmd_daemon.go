package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebastianm/wormhole/internal/config"
	"github.com/sebastianm/wormhole/internal/daemon"
)

func daemonCmd() *cobra.Command {
	var (
		port        int
		noDiscovery bool
		logLevel    string
		logJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the wormhole daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(logLevel, logJSON)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Daemon.Port = port
			}
			if noDiscovery {
				cfg.Discovery.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return daemon.New(log, cfg, daemon.Options{}).Run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "Port to listen on")
	cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "Disable mDNS discovery")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Output logs as JSON")
	return cmd
}

func newLogger(level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
