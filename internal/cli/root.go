package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/karmagraph/internal/config"
	"github.com/lazypower/karmagraph/internal/engine"
	"github.com/lazypower/karmagraph/internal/llm"
	"github.com/lazypower/karmagraph/internal/metrics"
	"github.com/lazypower/karmagraph/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "karmagraph",
	Short: "Self-decaying associative graph memory",
	Long: "Karmagraph is a graph memory whose node weights decay over time and are reinforced by use.\n" +
		"Structural hypervector signatures answer analogy queries in time independent of graph size.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.karmagraph/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(analogyCmd)
	rootCmd.AddCommand(pprCmd)
	rootCmd.AddCommand(forecastCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(karmaCmd)
	rootCmd.AddCommand(maintainCmd)
}

// loadConfig reads the config file and installs its logger as the default.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openDB opens the database named by the config, or the default path.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// session is an engine over the database file for one command.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	db     *store.DB
	eng    *engine.Engine
}

// openSession loads config and builds an engine. withLLM attaches the
// configured generation client; m may be nil.
func openSession(withLLM bool, m *metrics.Metrics) (*session, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var client llm.Client
	if withLLM {
		if client, err = llm.NewClient(cfg.LLM); err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(db, cfg, client, m, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, db: db, eng: eng}, nil
}

func (s *session) Close() {
	if err := s.eng.Close(context.Background()); err != nil {
		s.logger.Warn("cli: flush on close failed", "error", err)
	}
	s.db.Close()
}
