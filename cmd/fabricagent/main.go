// Command fabricagent runs the agent receive loop: it dials the hub,
// completes the id handshake, and executes whatever commands and file
// transfers the hub dispatches, reconnecting on disconnect.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/fleetfabric/agent"
	"github.com/relaymesh/fleetfabric/internal/config"
)

func main() {
	var configPath string
	var hubAddr string
	var idFlag string
	var logLevel string

	root := &cobra.Command{
		Use:   "fabricagent",
		Short: "fabricagent — remote command and file-transfer agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel)

			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if hubAddr != "" {
				cfg.HubAddr = hubAddr
			}
			if idFlag != "" {
				cfg.ID = idFlag
			}
			if cfg.ID == "" {
				cfg.ID = defaultID()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := agent.New(cfg, logger)
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to agent config YAML")
	root.Flags().StringVar(&hubAddr, "hub", "", "hub address, overrides config")
	root.Flags().StringVar(&idFlag, "id", "", "agent id, overrides config")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fabricagent:", err)
		os.Exit(1)
	}
}

func defaultID() string {
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
