package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine-wide statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
		s, err := eng.Stats(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Tests: %d total, %d active\n", s.TotalTests, s.ActiveTests)
		for _, status := range []store.TestStatus{
			store.StatusDraft, store.StatusRunning, store.StatusPaused, store.StatusCompleted,
		} {
			if n := s.TestsByStatus[status]; n > 0 {
				fmt.Printf("  %-9s %d\n", status, n)
			}
		}
		fmt.Printf("Assignments: %d\n", s.TotalAssignments)
		fmt.Printf("Impressions: %d\n", s.TotalImpressions)
		return nil
	})
}
