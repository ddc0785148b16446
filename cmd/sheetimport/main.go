// Command sheetimport imports spreadsheets into PostgreSQL tables using
// declarative mapping configurations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetimport/internal/config"
	"github.com/JonMunkholm/sheetimport/internal/logging"
)

// Version information (set at build time)
var (
	Version = "dev"
	Build   = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "sheetimport",
		Short: "Import CSV and XLSX files into PostgreSQL",
		Long: `sheetimport - spreadsheet import engine

Maps spreadsheet columns to table fields, validates and coerces each row,
resolves reference columns to foreign keys, and inserts the rows in a single
transaction. Rows that fail are reported without stopping the import.

Environment Variables:
  DATABASE_URL        PostgreSQL connection string (required)
  MAPPINGS_DIR        Directory of mapping files (default: mappings)
  LOG_LEVEL           debug, info, warn, error (default: info)
  LOG_FORMAT          text or json (default: text)

Examples:
  sheetimport run --mapping mappings/orders.yaml --file orders.csv
  sheetimport run --mapping orders --file orders.xlsx --dry-run
  sheetimport serve
  sheetimport init-db`,
		Version:       fmt.Sprintf("%s (%s)", Version, Build),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFiles(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file of environment variables to load if present")

	root.AddCommand(newRunCmd(), newServeCmd(), newInitDBCmd())
	return root
}

// loadConfig reads configuration and sets up logging. The returned cleanup
// flushes the log file.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	closer := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	slog.Debug("configuration loaded", "config", cfg.String())
	return cfg, func() { closer.Close() }, nil
}

// openPool connects to the database and verifies the connection.
func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}
