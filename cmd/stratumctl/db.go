package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/dbmigrate"
)

func dbCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the service database schema",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: config.yaml in . or ./config)")

	load := func() (*config.Config, zerolog.Logger, error) {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		var (
			cfg *config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		return cfg, logger, err
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if err := dbmigrate.RunMigrations(cfg.DatabaseURL, cfg.RegistrySchema, logger); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date.")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return dbmigrate.Status(cfg.DatabaseURL, cfg.RegistrySchema, logger)
		},
	})
	return cmd
}
