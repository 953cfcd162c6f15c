package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/split-goat/split-goat/internal/audience"
	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/store"
)

// withEngine opens the database, wires an engine on top of it, executes
// the function and handles cleanup.
func withEngine(fn func(*engine.Engine, *store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	logger := zap.NewNop()
	filter := audience.NewFilter(s, nil, nil, logger)
	eng := engine.New(s, filter, engine.WithLogger(logger))

	return fn(eng, s)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}
