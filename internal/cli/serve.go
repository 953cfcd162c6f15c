package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/split-goat/split-goat/internal/audience"
	"github.com/split-goat/split-goat/internal/config"
	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/monitor"
	"github.com/split-goat/split-goat/internal/server"
	"github.com/split-goat/split-goat/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the experimentation server",
	Long: `Start the HTTP server and the completion monitor.

The monitor periodically re-evaluates running tests and completes the
ones that meet their stopping criteria. Both shut down cleanly on
SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides SG_PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	cfg.DBPath = dbPath

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	filter := audience.NewFilter(s, nil, nil, logger)
	eng := engine.New(s, filter, engine.WithLogger(logger))

	mon := monitor.New(eng,
		monitor.WithInterval(cfg.MonitorInterval),
		monitor.WithMaxDuration(cfg.MaxTestDuration),
		monitor.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mon.Run(ctx)

	srv := server.New(eng, s, cfg.Port, cfg.TokenFile, logger)
	return srv.Start(ctx)
}
