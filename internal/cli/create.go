package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		description  string
		variants     string
		metric       string
		segments     string
		sampleSize   int
		duration     int
		significance float64
		run          bool
		interactive  bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new A/B test",
		Long: `Create a new A/B test. Variants are "name:allocation" pairs whose
active allocations must sum to 100.

Examples:
  sg create checkout-cta --variants "Control:50,Urgent Copy:50"
  sg create hero --variants "A:70,B:30" --metric conversion --run
  sg create promo --variants "A:50,B:50" --segments "returning,high-value"
  sg create hero --interactive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &store.Test{
				Name:         args[0],
				Description:  description,
				Significance: significance,
				Audience: store.Audience{
					SampleSize: sampleSize,
					Duration:   duration,
				},
				Metrics: []store.Metric{
					{Name: metric, Type: store.MetricPrimary},
				},
			}
			if segments != "" {
				cfg.Audience.Segments = splitTrim(segments)
			}
			if run {
				cfg.Status = store.StatusRunning
			}

			var err error
			if interactive {
				cfg.Variants, err = promptVariants()
			} else {
				cfg.Variants, err = parseVariants(variants)
			}
			if err != nil {
				return err
			}

			return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
				test, err := eng.CreateTest(context.Background(), cfg)
				if err != nil {
					return err
				}

				fmt.Printf("Created test '%s' (%s) with %d variants:\n", test.Name, test.ID, len(test.Variants))
				for _, v := range test.Variants {
					fmt.Printf("  %s: %d%% (%s)\n", v.Name, v.TrafficAllocation, v.ID)
				}
				fmt.Printf("Status: %s\n", test.Status)
				if test.Status == store.StatusDraft {
					fmt.Printf("Run 'sg start %s' to activate it.\n", test.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variants, "variants", "v", "", `comma-separated "name:allocation" pairs`)
	cmd.Flags().StringVarP(&description, "description", "d", "", "test description")
	cmd.Flags().StringVarP(&metric, "metric", "m", "conversion", "primary metric (view, click or conversion)")
	cmd.Flags().StringVar(&segments, "segments", "", "comma-separated audience segments (optional)")
	cmd.Flags().IntVar(&sampleSize, "sample-size", 1000, "minimum samples before a decision")
	cmd.Flags().IntVar(&duration, "duration", 168, "minimum runtime in hours")
	cmd.Flags().Float64Var(&significance, "significance", 0.95, "required confidence level")
	cmd.Flags().BoolVar(&run, "run", false, "start the test immediately instead of draft")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for variants interactively")

	return cmd
}

// parseVariants turns "Control:50,Treatment:50" into active variants.
func parseVariants(raw string) ([]store.Variant, error) {
	if raw == "" {
		return nil, fmt.Errorf("need variants. Example: --variants \"Control:50,Treatment:50\"")
	}

	var variants []store.Variant
	for _, part := range splitTrim(raw) {
		name, alloc, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("variant %q must be \"name:allocation\"", part)
		}
		allocation, err := strconv.Atoi(strings.TrimSpace(alloc))
		if err != nil {
			return nil, fmt.Errorf("variant %q: allocation must be an integer", part)
		}
		variants = append(variants, store.Variant{
			Name:              strings.TrimSpace(name),
			TrafficAllocation: allocation,
			IsActive:          true,
		})
	}
	return variants, nil
}

// promptVariants collects variants one at a time until allocations reach 100.
func promptVariants() ([]store.Variant, error) {
	var variants []store.Variant
	remaining := 100

	for remaining > 0 {
		namePrompt := promptui.Prompt{
			Label: fmt.Sprintf("Variant %d name", len(variants)+1),
			Validate: func(input string) error {
				if strings.TrimSpace(input) == "" {
					return fmt.Errorf("name is required")
				}
				return nil
			},
		}
		name, err := namePrompt.Run()
		if err != nil {
			return nil, err
		}

		allocPrompt := promptui.Prompt{
			Label:   fmt.Sprintf("Traffic allocation (%d remaining)", remaining),
			Default: strconv.Itoa(remaining),
			Validate: func(input string) error {
				n, err := strconv.Atoi(input)
				if err != nil {
					return fmt.Errorf("must be an integer")
				}
				if n < 1 || n > remaining {
					return fmt.Errorf("must be 1-%d", remaining)
				}
				return nil
			},
		}
		allocStr, err := allocPrompt.Run()
		if err != nil {
			return nil, err
		}
		allocation, _ := strconv.Atoi(allocStr)

		variants = append(variants, store.Variant{
			Name:              strings.TrimSpace(name),
			TrafficAllocation: allocation,
			IsActive:          true,
		})
		remaining -= allocation
	}
	return variants, nil
}

func splitTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
