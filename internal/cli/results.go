package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/stats"
	"github.com/split-goat/split-goat/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <test-id>",
	Short: "Show detailed results for a test",
	Long:  `Show per-variant conversion rates, confidence intervals and significance.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
		ctx := context.Background()

		test, err := eng.GetTest(ctx, args[0])
		if err != nil {
			return err
		}
		if test == nil {
			return fmt.Errorf("test '%s' not found", args[0])
		}

		summary, err := eng.Summary(ctx, test.ID)
		if err != nil {
			return err
		}
		results, err := eng.Results(ctx, test.ID)
		if err != nil {
			return err
		}

		// Print header
		fmt.Printf("TEST: %s\n", test.Name)
		fmt.Printf("STATUS: %s\n", test.Status)
		if primary := test.PrimaryMetric(); primary != nil {
			fmt.Printf("PRIMARY METRIC: %s\n", primary.Name)
		}
		fmt.Printf("CREATED: %s\n", test.CreatedAt.Format("2006-01-02"))
		fmt.Println()

		fmt.Println("VARIANT           VIEWS    CONVERSIONS  RATE     95% CI")
		fmt.Println(strings.Repeat("─", 64))

		for _, v := range test.Variants {
			vs := summary.Variants[v.ID]

			indicator := ""
			if test.Winner != nil && *test.Winner == v.ID {
				indicator = " ← WINNER"
			}

			ciStr := "N/A"
			if vs.Impressions > 0 {
				lower, upper := stats.WilsonInterval(vs.Conversions, vs.Impressions, test.Significance)
				ciStr = fmt.Sprintf("[%.1f%%, %.1f%%]", lower*100, upper*100)
			}

			name := v.Name
			if len(name) > 16 {
				name = name[:13] + "..."
			}

			fmt.Printf("%-16s  %-7d  %-11d  %-7s  %s%s\n",
				name, vs.Impressions, vs.Conversions, formatPercent(vs.ConversionRate), ciStr, indicator)
		}
		fmt.Println()

		printSignificance(test, results)
		return nil
	})
}

func printSignificance(test *store.Test, results []*store.Result) {
	primary := test.PrimaryMetric()
	if primary == nil {
		return
	}

	for _, r := range results {
		if r.MetricName != primary.Name {
			continue
		}
		v := test.Variant(r.VariantID)
		if v == nil || r.Confidence == 0 {
			continue
		}
		if r.IsSignificant {
			fmt.Printf("Statistical significance: %.1f%% confident \"%s\" differs from control\n",
				r.Confidence*100, v.Name)
		} else if r.Confidence >= 0.90 {
			fmt.Printf("Statistical significance: %.1f%% for \"%s\" (not yet significant)\n",
				r.Confidence*100, v.Name)
		}
	}
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
