package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/crowdrank/internal/config"
	"github.com/yangwenmai/crowdrank/internal/dataset"
	"github.com/yangwenmai/crowdrank/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "crowdrank",
	Short: "Crowdsourced prompt and response collection server",
	Long: `crowdrank collects human prompts, generates several styled model
completions for each, and hands them to contributors for ranking, rewriting
and evaluation.

Running it without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and background workers",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := loadStore()
		if err != nil {
			return err
		}
		defer closeDB()
		v, err := s.SchemaVersion(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		fmt.Printf("schema is at version %d\n", v)
		return nil
	},
}

var resetJobsCmd = &cobra.Command{
	Use:   "reset-jobs",
	Short: "Requeue jobs left RUNNING by a crashed server",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := loadStore()
		if err != nil {
			return err
		}
		defer closeDB()
		n, err := s.ResetStaleJobs(cmd.Context())
		if err != nil {
			return fmt.Errorf("resetting jobs: %w", err)
		}
		fmt.Printf("requeued %d jobs\n", n)
		return nil
	},
}

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write completed ranking tasks as a training dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := loadStore()
		if err != nil {
			return err
		}
		defer closeDB()

		out := os.Stdout
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("creating %s: %w", exportOut, err)
			}
			defer f.Close()
			out = f
		}
		n, err := dataset.Export(cmd.Context(), s, out, exportFormat)
		if err != nil {
			return err
		}
		slog.Info("export finished", "records", n, "format", exportFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML or dotenv config file (default .env.local if present)")
	exportCmd.Flags().StringVar(&exportFormat, "format", dataset.FormatJSONL, "output format: jsonl or yaml")
	exportCmd.Flags().StringVar(&exportOut, "out", "-", "output file, - for stdout")
	rootCmd.AddCommand(serveCmd, migrateCmd, resetJobsCmd, exportCmd)
}

// loadConfig reads configuration and installs the configured logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	slog.SetDefault(newLogger(cfg))
	return cfg, nil
}

// openStore opens the database and applies pending migrations.
func openStore(cfg config.Config) (*store.Store, func(), error) {
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	s, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	return s, func() { db.Close() }, nil
}

// loadStore loads configuration and opens the store.
func loadStore() (*store.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return openStore(cfg)
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
