package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newWinnerCmd())
}

func newWinnerCmd() *cobra.Command {
	var variantID string

	cmd := &cobra.Command{
		Use:   "winner <test-id>",
		Short: "Declare a winner and complete a test",
		Long: `Manually complete a test and declare a winning variant.

Use this for tests that never reach significance on their own, or when
a decision has been made outside the engine.

Example:
  sg winner 6b1f... --variant 9c2a...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
				ctx := context.Background()

				test, err := eng.GetTest(ctx, args[0])
				if err != nil {
					return err
				}
				if test == nil {
					return fmt.Errorf("test '%s' not found", args[0])
				}

				variant := test.Variant(variantID)
				if variant == nil {
					return fmt.Errorf("test has no variant %q", variantID)
				}

				if err := eng.EndTest(ctx, test.ID, variantID); err != nil {
					return err
				}

				fmt.Printf("Declared winner for test '%s': \"%s\"\n", test.Name, variant.Name)
				fmt.Println("Test has been marked as completed.")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variantID, "variant", "v", "", "winning variant id (required)")
	cmd.MarkFlagRequired("variant")

	return cmd
}
