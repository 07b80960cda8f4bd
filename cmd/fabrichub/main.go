// Command fabrichub runs the hub orchestrator: it accepts agent
// connections, replays deferred commands, enforces command timeouts, and
// exposes an operator console on stdin (or a loopback TCP listener).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymesh/fleetfabric/hub"
	"github.com/relaymesh/fleetfabric/internal/config"
)

func main() {
	var configPath string
	var logLevel string
	var cfg config.Hub
	var h *hub.Hub

	root := &cobra.Command{
		Use:   "fabrichub",
		Short: "fabrichub — central command-and-file-transfer hub",
		RunE: func(cmd *cobra.Command, args []string) (runErr error) {
			logger := newLogger(logLevel)

			var err error
			cfg, err = config.LoadHub(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			defer func() {
				if r := recover(); r != nil {
					writeCrashLog(cfg.FileCrashLog, h, r, debug.Stack())
					runErr = fmt.Errorf("fabrichub: unhandled crash: %v", r)
				}
			}()

			h, err = hub.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing hub: %w", err)
			}

			if configPath != "" {
				if watcher, err := config.WatchHub(configPath, func(reloaded config.Hub) {
					logger.Info("config reloaded", "listen_addr", reloaded.ListenAddr)
				}); err != nil {
					logger.Warn("config watch disabled", "error", err)
				} else {
					defer watcher.Close()
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() { serveErr <- h.ListenAndServe() }()

			go runConsole(h, cfg.ConsoleAddr, logger)

			select {
			case err := <-serveErr:
				if err != nil && err != hub.ErrHubClosed {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := h.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				<-serveErr
			}
			return nil
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to hub config YAML")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fabrichub:", err)
		os.Exit(1)
	}
}

// writeCrashLog appends an unhandled-panic report to path: the panic value,
// a stack trace, and a dump of every connected client and in-flight command
// known to h at the moment of the crash. h may be nil if the panic happened
// before the hub finished initializing.
func writeCrashLog(path string, h *hub.Hub, recovered any, stack []byte) {
	if path == "" {
		return
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer fh.Close()

	fmt.Fprintf(fh, "%s\npanic: %v\n\n", strings.Repeat("=", 80), recovered)
	if h != nil {
		fmt.Fprint(fh, h.DumpState())
	}
	fmt.Fprintf(fh, "\nstack trace:\n%s\n", stack)
}

func runConsole(h *hub.Hub, consoleAddr string, logger *slog.Logger) {
	console := hub.NewConsole(h)
	if consoleAddr == "" {
		if err := console.Run(os.Stdin, os.Stdout); err != nil {
			logger.Warn("console stopped", "error", err)
		}
		return
	}

	ln, err := net.Listen("tcp", consoleAddr)
	if err != nil {
		logger.Error("console listener failed", "addr", consoleAddr, "error", err)
		return
	}
	defer ln.Close()
	logger.Info("operator console listening", "addr", consoleAddr)
	if err := console.ServeTCP(ln); err != nil {
		logger.Warn("console listener stopped", "error", err)
	}
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
