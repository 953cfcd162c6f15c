package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tests",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
		tests, err := eng.ListTests(context.Background())
		if err != nil {
			return err
		}

		if len(tests) == 0 {
			fmt.Println("No tests yet. Create one with 'sg create'.")
			return nil
		}

		fmt.Println("ID                                    NAME              STATUS     VARIANTS  CREATED")
		fmt.Println(strings.Repeat("─", 92))
		for _, t := range tests {
			name := t.Name
			if len(name) > 16 {
				name = name[:13] + "..."
			}
			status := string(t.Status)
			if t.Winner != nil {
				if w := t.Variant(*t.Winner); w != nil {
					status += " (" + w.Name + ")"
				}
			}
			fmt.Printf("%-36s  %-16s  %-9s  %-8d  %s\n",
				t.ID, name, status, len(t.Variants), t.CreatedAt.Format("2006-01-02"))
		}
		return nil
	})
}
