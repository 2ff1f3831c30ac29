package main

import (
	"fmt"

	"github.com/apk-analysis/app-compat-harness/internal/repository"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the run database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			// InitDB 会执行 AutoMigrate
			db, err := repository.InitDB(&cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}

			fmt.Printf("Database schema is up to date (%s)\n", cfg.Database.Type)
			return nil
		},
	}
}
