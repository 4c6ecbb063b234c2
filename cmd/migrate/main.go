package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iac-studio/orchestrator/internal/queue/tasks"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/pkg/config"
	"github.com/iac-studio/orchestrator/pkg/database"
	"github.com/iac-studio/orchestrator/pkg/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Schema and housekeeping for the deployment store",
		SilenceUsage: true,
	}
	root.AddCommand(upCmd(), statusCmd(), cleanupCmd())
	return root
}

// connect loads configuration, initialises logging and opens the store.
func connect(ctx context.Context) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if _, err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, nil, err
	}
	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Create or update tables and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := runMigrations(db); err != nil {
				logger.L().Error("migration failed", zap.Error(err))
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations completed")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report which tables exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()

			for _, st := range migrationStatus(db) {
				state := "missing"
				if st.Present {
					state = "present"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", st.Table, state)
			}
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var olderThan time.Duration
	c := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove working directories of finished deployments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()

			if olderThan <= 0 {
				olderThan = cfg.CleanupAfter
			}
			workingDir := cfg.WorkingDir
			if workingDir == "" {
				workingDir = os.TempDir()
			}
			cleaner := tasks.NewCleaner(repository.NewDeploymentRepository(db), workingDir, olderThan)
			report, err := cleaner.Run(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d deployments, removed %d directories\n",
				report.Deployments, report.RemovedDirs)
			return nil
		},
	}
	c.Flags().DurationVar(&olderThan, "older-than", 0, "only finished deployments older than this (defaults to CLEANUP_AFTER)")
	return c
}
