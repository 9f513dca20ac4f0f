package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync session against the remote service",
	Long: `Run a single sync session:
  1. Probes the remote service version
  2. Pushes queued local changes in per-entity order
  3. Pulls remote deltas for every tracked collection
  4. Reconciles conflicts per the configured policy

Records that fail permanently or are skipped for version reasons are
reported; nothing is dropped silently.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")

		out := io.Discard
		if verbose {
			out = os.Stderr
		}
		logger := log.New(out, "[drift] ", log.LstdFlags)

		eng, db, _, err := openEngine(logger)
		if err != nil {
			fatal("%v", err)
		}
		defer db.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		start := time.Now()
		res, err := eng.Run(ctx)
		if err != nil && res == nil {
			fatal("sync failed: %v", err)
		}

		printResult(res, time.Since(start))

		if err != nil || res.State == engine.StateFailed {
			os.Exit(1)
		}
	},
}

func printResult(res *engine.Result, elapsed time.Duration) {
	fmt.Printf("Session %s: %s in %v\n", res.SessionID, res.State, elapsed.Round(time.Millisecond))
	fmt.Printf("   Remote: %s", res.Capability)
	if res.Capability.Stale {
		fmt.Printf(" (stale)")
	}
	fmt.Println()
	fmt.Printf("   Pushed: %d  Pulled: %d  Conflicted: %d  Failed: %d  Skipped: %d\n",
		res.Stats.Pushed, res.Stats.Pulled, res.Stats.Conflicted,
		res.Stats.Failed, res.Stats.Skipped)

	if res.AuthReason != "" {
		fmt.Printf("\nPaused: %s\n", res.AuthReason)
		fmt.Println("Refresh credentials and run 'drift sync' again.")
	}

	if len(res.Failed) > 0 {
		fmt.Println("\nFailed changes (run 'drift ack <seq>' after reviewing):")
		for _, i := range res.Failed {
			fmt.Printf("   seq=%d %s/%s: %s\n", i.Sequence, i.Collection, i.EntityID, i.Reason)
		}
	}
	if len(res.Skipped) > 0 {
		fmt.Println("\nSkipped changes:")
		for _, i := range res.Skipped {
			fmt.Printf("   seq=%d %s/%s: %s\n", i.Sequence, i.Collection, i.EntityID, i.Reason)
		}
	}
	if len(res.Unresolved) > 0 {
		fmt.Println("\nUnresolved conflicts (run 'drift conflicts list'):")
		for _, i := range res.Unresolved {
			fmt.Printf("   seq=%d %s/%s\n", i.Sequence, i.Collection, i.EntityID)
		}
	}
	for _, e := range res.Errors {
		fmt.Printf("\nWarning: %s\n", e)
	}
}

func init() {
	syncCmd.Flags().BoolP("verbose", "v", false, "Log engine activity to stderr")
	rootCmd.AddCommand(syncCmd)
}
