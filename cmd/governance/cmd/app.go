package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/zephix/governance/internal/core/config"
	"github.com/zephix/governance/internal/core/db"
	"github.com/zephix/governance/internal/core/logging"
	"github.com/zephix/governance/internal/store"
)

// app is the state shared by subcommands: resolved config and an open store.
type app struct {
	cfg    *config.GovernanceConfig
	logger *slog.Logger
	conn   *sqlx.DB
	store  *store.SQLStore
}

// loadConfig applies persistent flag overrides on top of LoadConfig.
func loadConfig() (*config.GovernanceConfig, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// openApp loads config, installs the default logger and opens the
// database. When requireSchema is set every migration must be applied.
func openApp(ctx context.Context, requireSchema bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	conn, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if requireSchema {
		if err := checkMigrations(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	st, err := store.NewSQLStore(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &app{cfg: cfg, logger: logger, conn: conn, store: st}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func checkMigrations(ctx context.Context, conn *sqlx.DB) error {
	statuses, err := db.MigrateStatus(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'governance migrate up' first", s.ID)
		}
	}
	return nil
}
