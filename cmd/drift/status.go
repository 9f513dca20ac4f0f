package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/delta"
	"github.com/driftline/driftline/internal/tracker"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local queue and sync state",
	Long: `Display the state of the local replica:
  - Change queue counts by status
  - Per-collection pull cursors
  - Recently completed sessions`,
	Run: func(cmd *cobra.Command, args []string) {
		db, cfg, err := openStore()
		if err != nil {
			fatal("%v", err)
		}
		defer db.Close()

		ctx := context.Background()
		trk := tracker.New(db, log.New(io.Discard, "", 0))
		cursors := delta.New(db)

		info, err := os.Stat(cfg.DatabasePath)
		if err == nil {
			fmt.Printf("Database: %s (%d KB)\n", cfg.DatabasePath, info.Size()/1024)
		} else {
			fmt.Printf("Database: %s\n", cfg.DatabasePath)
		}

		counts, err := trk.CountByStatus(ctx)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("\nChange queue:\n")
		fmt.Printf("   pending:    %d\n", counts[tracker.StatusPending])
		fmt.Printf("   in flight:  %d\n", counts[tracker.StatusInFlight])
		fmt.Printf("   failed:     %d\n", counts[tracker.StatusFailed])
		fmt.Printf("   conflicted: %d\n", counts[tracker.StatusConflicted])

		if len(cfg.Collections) > 0 {
			fmt.Printf("\nCollections:\n")
			for _, collection := range cfg.Collections {
				c, err := cursors.GetCursor(ctx, collection)
				if err != nil {
					fatal("%v", err)
				}
				n, err := db.CountEntities(ctx, collection)
				if err != nil {
					fatal("%v", err)
				}
				if c == nil {
					fmt.Printf("   %s: %d entities, never pulled\n", collection, n)
				} else {
					fmt.Printf("   %s: %d entities, cursor updated %s\n",
						collection, n, c.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
			}
		}

		sessions, err := cursors.RecentSessions(ctx, 5)
		if err != nil {
			fatal("%v", err)
		}
		if len(sessions) > 0 {
			fmt.Printf("\nRecent sessions:\n")
			for _, s := range sessions {
				fmt.Printf("   %s %s: %s (pushed=%d pulled=%d conflicted=%d failed=%d skipped=%d)\n",
					s.FinishedAt.Format("2006-01-02 15:04:05"), s.SessionID[:8], s.State,
					s.Pushed, s.Pulled, s.Conflicted, s.Failed, s.Skipped)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
