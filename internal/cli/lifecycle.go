package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(
		transitionCmd("start", "Activate a draft test", (*engine.Engine).StartTest),
		transitionCmd("pause", "Pause a running test", (*engine.Engine).PauseTest),
		transitionCmd("resume", "Resume a paused test", (*engine.Engine).ResumeTest),
		newDeleteCmd(),
	)
}

func transitionCmd(verb, short string, fn func(*engine.Engine, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <test-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
				if err := fn(eng, context.Background(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Test %s: %s ok\n", args[0], verb)
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <test-id>",
		Short: "Delete a test and all of its data",
		Long: `Delete a test along with its assignments, impressions and results.
This cannot be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				fmt.Printf("This deletes test %s and all of its data. Re-run with --force to confirm.\n", args[0])
				return nil
			}
			return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
				if err := eng.DeleteTest(context.Background(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted test %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}
