package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/colorlab/backend/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the application and River schema migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx := cmd.Context()
			pool, err := connect(ctx, cfg.Database.URL, log)
			if err != nil {
				return err
			}
			defer pool.Close()
			return migrate(ctx, pool, log)
		},
	}
}

func connect(ctx context.Context, url string, log *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	log.Info("connected to PostgreSQL")
	return pool, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	applied, err := migrations.Apply(ctx, pool, log)
	if err != nil {
		return fmt.Errorf("schema migrations: %w", err)
	}
	log.Info("schema up to date", zap.Strings("applied", applied))

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("River migrate up: %w", err)
	}
	log.Info("River migrations applied", zap.Int("versions", len(res.Versions)))
	return nil
}
