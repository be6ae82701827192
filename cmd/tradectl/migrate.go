package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"trade-settlement-service/config"
	"trade-settlement-service/internal/infra"
	"trade-settlement-service/internal/repository"
	"trade-settlement-service/internal/usecase"
	"trade-settlement-service/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the trade settlement service",
	}
	cmd.AddCommand(migrateUpCmd(), migrateStatusCmd())
	return cmd
}

// newMigrationService はDATABASE_DRIVER/DATABASE_URLからDBに接続する。
// MIGRATIONS_DIRが設定されていればバイナリ埋め込みの代わりにそのディレクトリを使う。
func newMigrationService() (*usecase.MigrationService, error) {
	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var files fs.FS = migrations.FS
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}
	return usecase.NewMigrationService(
		repository.NewMigrationRepository(db),
		repository.NewTransactor(db),
		files,
		".",
	), nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrationService, err := newMigrationService()
			if err != nil {
				return err
			}

			appliedCount, err := migrationService.ApplyMigrations(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrationService, err := newMigrationService()
			if err != nil {
				return err
			}

			statuses, err := migrationService.GetMigrationStatus(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			fmt.Fprintln(w, "-------\t----\t------\t----------")

			for _, migration := range statuses {
				appliedAt := "-"
				if migration.AppliedAt != nil {
					appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, migration.Status, appliedAt)
			}

			return w.Flush()
		},
	}
}
