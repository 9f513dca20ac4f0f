package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/resolve"
	"github.com/driftline/driftline/internal/tracker"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "queue",
	Short:   "Inspect and resolve sync conflicts",
	Long: `Manage conflicts between local changes and pulled remote revisions.

Under the manual conflict policy, a divergence blocks the affected
entity's queue until it is resolved here. Automatic policies resolve
during sync; their decisions are still recorded and listed for audit.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		db, cfg, err := openStore()
		if err != nil {
			fatal("%v", err)
		}
		defer db.Close()

		quiet := log.New(io.Discard, "", 0)
		trk := tracker.New(db, quiet)
		policy, err := resolve.ParsePolicy(cfg.ConflictPolicy)
		if err != nil {
			fatal("%v", err)
		}
		resolver := resolve.New(db, trk, policy, quiet)

		conflicts, err := resolver.ListUnresolved(context.Background())
		if err != nil {
			fatal("%v", err)
		}

		if len(conflicts) == 0 {
			fmt.Println("No unresolved conflicts")
			return
		}

		fmt.Printf("%d unresolved conflict(s):\n\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("#%d %s/%s\n", c.ID, c.Collection, c.EntityID)
			fmt.Printf("   local:  %s at %s (change seq=%d)\n",
				c.LocalOperation, c.LocalCreatedAt.Format("2006-01-02 15:04:05"), c.ChangeSequence)
			fmt.Printf("   remote: revision %s at %s", c.RemoteRevision,
				c.RemoteUpdated.Format("2006-01-02 15:04:05"))
			if c.RemoteDeleted {
				fmt.Printf(" (deleted)")
			}
			fmt.Println()
		}
		fmt.Println("\nResolve with: drift conflicts resolve <id> --keep local|remote")
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict by keeping the local or remote version",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keep, _ := cmd.Flags().GetString("keep")

		var outcome resolve.Outcome
		switch keep {
		case "local":
			outcome = resolve.OutcomeResolvedLocal
		case "remote":
			outcome = resolve.OutcomeResolvedRemote
		default:
			fatal("--keep must be 'local' or 'remote', got %q", keep)
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("invalid conflict id %q", args[0])
		}

		db, cfg, err := openStore()
		if err != nil {
			fatal("%v", err)
		}
		defer db.Close()

		quiet := log.New(io.Discard, "", 0)
		trk := tracker.New(db, quiet)
		policy, err := resolve.ParsePolicy(cfg.ConflictPolicy)
		if err != nil {
			fatal("%v", err)
		}
		resolver := resolve.New(db, trk, policy, quiet)

		if err := resolver.Resolve(context.Background(), id, outcome); err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Conflict #%d resolved, keeping the %s version\n", id, keep)
		if keep == "local" {
			fmt.Println("The local change was re-queued and will push on the next sync.")
		}
	},
}

func init() {
	conflictsResolveCmd.Flags().String("keep", "", "Which version to keep: local or remote")
	_ = conflictsResolveCmd.MarkFlagRequired("keep")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
