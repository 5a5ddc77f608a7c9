package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/config"
	"github.com/colorlab/backend/internal/logger"
)

var configPath string

func newRootCmd(version, buildTime, gitCommit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "colorlab",
		Short: "colorlab runs the photo colorization API and its workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file (env vars override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newQuoteCmd())
	cmd.AddCommand(newVersionCmd(version, buildTime, gitCommit))
	return cmd
}

// loadConfig reads and validates the config, then builds the logger it names.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logger.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(log)
	return cfg, log, nil
}
