package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/your-org/checkpoint/internal/config"
	"github.com/your-org/checkpoint/internal/observability"
	"github.com/your-org/checkpoint/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	action := flag.String("action", "up", "migration action: up, down, version, force")
	version := flag.Int("version", -1, "target version (force only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	db, err := storage.OpenMigrationDB(cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	migrator, err := storage.NewMigrator(db, cfg.Database.Name)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()

	switch *action {
	case "up":
		if err := migrator.Up(); err != nil {
			return err
		}
		logger.Info("migrations applied")

	case "down":
		if err := migrator.Down(); err != nil {
			return err
		}
		logger.Info("last migration rolled back")

	case "version":
		v, dirty, err := migrator.Version()
		if err != nil {
			return err
		}
		logger.Info("schema version", "version", v, "dirty", dirty)

	case "force":
		if *version < 0 {
			return errors.New("-version is required for force")
		}
		if err := migrator.Force(*version); err != nil {
			return err
		}
		logger.Info("schema version forced", "version", *version)

	default:
		return fmt.Errorf("invalid action %q (use: up, down, version, force)", *action)
	}
	return nil
}
