package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftline/driftline/internal/daemon"
	"github.com/driftline/driftline/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run sync continuously in the background",
	Long: `Run the sync engine as a long-lived process.

The daemon:
  1. Runs a session immediately, then on the configured interval
  2. Watches the local database for queue writes and syncs early
  3. Optionally serves a real-time WebSocket dashboard

With log_file configured, daemon output goes to a rotated log file
instead of stderr.

Example usage:
  drift daemon                     # Sync on the configured interval
  drift daemon --dashboard 8080    # Also serve the dashboard`,
	Run: func(cmd *cobra.Command, args []string) {
		dashboardPort, _ := cmd.Flags().GetInt("dashboard")

		cfg, err := loadConfigOnly()
		if err != nil {
			fatal("%v", err)
		}

		var out io.Writer = os.Stderr
		if cfg.LogFile != "" {
			out = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
				Compress:   true,
			}
		}
		logger := log.New(out, "[drift] ", log.LstdFlags)

		eng, db, cfg, err := openEngine(logger)
		if err != nil {
			fatal("%v", err)
		}
		defer db.Close()

		dcfg := daemon.DefaultConfig()
		dcfg.SyncInterval = cfg.SyncIntervalHint
		dcfg.Logger = log.New(out, "[daemon] ", log.LstdFlags)

		d, err := daemon.NewWithConfig(eng, db.Path(), dcfg)
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if dashboardPort > 0 {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   dashboardPort,
				Logger: log.New(out, "[dashboard] ", log.LstdFlags),
			})
			if err := server.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, eng, dcfg.Logger)
			go handler.Run(ctx)

			fmt.Printf("Dashboard: ws://localhost:%d/ws\n", dashboardPort)
		}

		fmt.Printf("Daemon started (interval %s, database %s)\n", cfg.SyncIntervalHint, cfg.DatabasePath)
		fmt.Println("Press Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			fatal("daemon error: %v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard", 0, "Serve the WebSocket dashboard on this port (0 = disabled)")
	rootCmd.AddCommand(daemonCmd)
}
