package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath string
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Split Goat - a self-hosted experimentation engine",
	Long: `🐐 Split Goat is a self-hosted A/B testing engine.
Single Go binary, embedded SQLite, weighted sticky assignment and
two-proportion significance testing built in.

Running without a subcommand starts the server (same as 'sg serve').`,
	RunE: runServe, // Default action is to start server
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("SG_DB_PATH", "./split-goat.db"), "database path")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
