package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/engram/internal/memory"
)

var maintainRetention int

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run maintenance passes on demand",
}

var maintainConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation pass for an agent",
	RunE:  maintainConsolidate,
}

var maintainArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Run one archival pass for an agent",
	RunE:  maintainArchive,
}

var maintainCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired and aged memories for an agent",
	RunE:  maintainCleanup,
}

func init() {
	maintainCmd.PersistentFlags().StringVar(&memAgent, "agent", "default", "agent identifier")
	maintainCleanupCmd.Flags().IntVar(&maintainRetention, "retention-days", 30, "delete records older than this many days")

	maintainCmd.AddCommand(maintainConsolidateCmd, maintainArchiveCmd, maintainCleanupCmd)
	rootCmd.AddCommand(maintainCmd)
}

func maintainConsolidate(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "maintain.consolidate")
	defer span.End()

	return withEngine(cmd, func(engine *memory.Engine) error {
		moved, err := engine.RunConsolidation(ctx, memAgent)
		if err != nil {
			return err
		}
		fmt.Printf("Moved %d memories\n", moved)
		return nil
	})
}

func maintainArchive(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "maintain.archive")
	defer span.End()

	return withEngine(cmd, func(engine *memory.Engine) error {
		removed, err := engine.RunArchival(ctx, memAgent)
		if err != nil {
			return err
		}
		fmt.Printf("Archived %d memories\n", removed)
		return nil
	})
}

func maintainCleanup(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "maintain.cleanup")
	defer span.End()

	return withEngine(cmd, func(engine *memory.Engine) error {
		purged, err := engine.Cleanup(ctx, memAgent, maintainRetention)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d memories\n", purged)
		return nil
	})
}
