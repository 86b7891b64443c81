package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/Strob0t/taskforge/internal/adapter/postgres"
)

// runMigrate dispatches migrate subcommands (up, down, version).
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config path")
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")

	action := "up"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		action, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres dsn is not configured (set DATABASE_URL)")
	}

	ctx := context.Background()
	switch action {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		if *steps < 1 {
			return errors.New("--steps must be >= 1")
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action: %s (want up, down or version)", action)
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("migration version: %d\n", v)
	return nil
}
