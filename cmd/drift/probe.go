package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/delta"
	"github.com/driftline/driftline/internal/feature"
	"github.com/driftline/driftline/internal/probe"
	"github.com/driftline/driftline/internal/remote"
)

var probeCmd = &cobra.Command{
	Use:     "probe",
	GroupID: "advanced",
	Short:   "Probe the remote service version and show enabled features",
	Long: `Query the remote service's version endpoint and report which
protocol features the detected version enables. A failed probe falls
back to the cached capability from the last successful one.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfigOnly()
		if err != nil {
			fatal("%v", err)
		}
		if cfg.RemoteURL == "" {
			fatal("remote_url is not configured")
		}

		db, _, err := openStore()
		if err != nil {
			fatal("%v", err)
		}
		defer db.Close()

		quiet := log.New(io.Discard, "", 0)
		svc := remote.NewClient(cfg.RemoteURL, cfg.AuthToken, cfg.RequestTimeout, quiet)
		prober := probe.New(svc, delta.New(db), quiet)

		cap := prober.Current(context.Background())

		fmt.Printf("Remote: %s\n", cfg.RemoteURL)
		fmt.Printf("Version: %s", cap)
		if cap.Stale {
			fmt.Printf(" (stale, probe failed; last known as of %s)",
				cap.ProbedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()

		fmt.Println("\nFeatures:")
		for _, f := range feature.All() {
			mark := "no "
			if feature.Supports(f, cap) {
				mark = "yes"
			}
			fmt.Printf("   [%s] %-20s (requires %s)\n", mark, f, feature.MinVersion(f))
		}
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
