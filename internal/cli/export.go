package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <test-id>",
	Short: "Export raw impression data",
	Long: `Export a test's raw impressions in CSV or JSON format, for offline
analysis with your own tooling.

Examples:
  sg export 6b1f... --format csv > impressions.csv
  sg export 6b1f... --format json > impressions.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	ctx := context.Background()

	if _, err := s.GetTest(ctx, args[0]); err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("test '%s' not found", args[0])
		}
		return fmt.Errorf("failed to get test: %w", err)
	}

	impressions, err := s.ListImpressions(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to list impressions: %w", err)
	}

	if exportFormat == "csv" {
		return exportCSV(impressions)
	}
	return exportJSON(impressions)
}

func exportCSV(impressions []*store.Impression) error {
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()

	if err := w.Write([]string{"timestamp", "variant_id", "type", "subject_key", "value"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, imp := range impressions {
		row := []string{
			strconv.FormatInt(imp.CreatedAt.Unix(), 10),
			imp.VariantID,
			string(imp.Type),
			imp.SubjectKey,
			strconv.FormatFloat(imp.Value, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	return nil
}

type jsonExport struct {
	Impressions []jsonImpression `json:"impressions"`
}

type jsonImpression struct {
	Timestamp  int64             `json:"timestamp"`
	VariantID  string            `json:"variant_id"`
	Type       string            `json:"type"`
	SubjectKey string            `json:"subject_key"`
	Value      float64           `json:"value"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func exportJSON(impressions []*store.Impression) error {
	export := jsonExport{
		Impressions: make([]jsonImpression, len(impressions)),
	}

	for i, imp := range impressions {
		export.Impressions[i] = jsonImpression{
			Timestamp:  imp.CreatedAt.Unix(),
			VariantID:  imp.VariantID,
			Type:       string(imp.Type),
			SubjectKey: imp.SubjectKey,
			Value:      imp.Value,
			Metadata:   imp.Metadata,
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
