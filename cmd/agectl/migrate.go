package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"age-stats-service/internal/infra"
	"age-stats-service/internal/repository"
	"age-stats-service/internal/usecase"
	"age-stats-service/migrations"
)

func migrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the age statistics service (uses DATABASE_DRIVER and DATABASE_URL)",
	}
	cmd.AddCommand(migrateUpCmd(c))
	cmd.AddCommand(migrateStatusCmd(c))
	return cmd
}

// migrationService はDATABASE_DRIVERに対応するマイグレーションを扱うサービスを生成する。
func (c *cli) migrationService() (*usecase.MigrationService, error) {
	db, err := infra.NewDB(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, sqlDB.Close)

	repo := repository.NewMigrationRepository(db)
	return usecase.NewMigrationService(repo, db, migrations.FS, c.cfg.DatabaseDriver), nil
}

func migrateUpCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := c.migrationService()
			if err != nil {
				return err
			}

			appliedCount, err := service.ApplyMigrations(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			return c.print(cmd.OutOrStdout(), map[string]int{"applied": appliedCount}, func(w io.Writer) {
				if appliedCount == 0 {
					fmt.Fprintln(w, "No pending migrations.")
				} else {
					fmt.Fprintf(w, "Applied %d migration(s) successfully.\n", appliedCount)
				}
			})
		},
	}
}

func migrateStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending/modified)",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := c.migrationService()
			if err != nil {
				return err
			}

			migrations, err := service.GetMigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			return c.print(cmd.OutOrStdout(), migrations, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
				fmt.Fprintln(w, "-------\t----\t------\t----------")

				for _, migration := range migrations {
					appliedAt := "-"
					if migration.AppliedAt != nil {
						appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, migration.Status, appliedAt)
				}
				_ = w.Flush()
			})
		},
	}
}
