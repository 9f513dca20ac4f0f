package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/store"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "Offline-first sync client for remote collections",
	Long: `Driftline keeps a local SQLite replica of remote collections in sync.

Local mutations are recorded in a durable change queue and pushed when
connectivity allows; remote changes are pulled incrementally and
reconciled against pending local intent. The protocol adapts to the
remote service's version, degrading gracefully on older servers.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: drift.yaml in . or ~/.config/drift)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// openEngine builds the full stack from configuration: database, remote
// client and engine. The caller owns the returned database handle.
func openEngine(logger *log.Logger) (*engine.Engine, *store.DB, config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, config.Config{}, err
	}
	if cfg.RemoteURL == "" {
		return nil, nil, config.Config{}, fmt.Errorf("remote_url is not configured")
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, config.Config{}, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, nil, config.Config{}, err
	}

	svc := remote.NewClient(cfg.RemoteURL, cfg.AuthToken, cfg.RequestTimeout, logger)

	eng, err := engine.New(db, svc, cfg, logger)
	if err != nil {
		db.Close()
		return nil, nil, config.Config{}, err
	}

	return eng, db, cfg, nil
}

// loadConfigOnly reads configuration without opening anything, for
// commands that need settings before building the stack.
func loadConfigOnly() (config.Config, error) {
	return config.Load(configFile)
}

// openStore opens just the local database, for commands that do not
// talk to the remote service.
func openStore() (*store.DB, config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, config.Config{}, err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, config.Config{}, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, config.Config{}, err
	}

	return db, cfg, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
