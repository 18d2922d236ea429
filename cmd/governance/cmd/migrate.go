package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zephix/governance/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE:  runMigrateUp,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ran, err := db.MigrateUp(ctx, a.conn)
	for _, id := range ran {
		a.logger.Info("migration applied", "migration_id", id)
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if len(ran) == 0 {
		a.logger.Info("schema up to date")
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses, err := db.MigrateStatus(ctx, a.conn)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MIGRATION\tSTATUS\tAPPLIED AT\tDURATION")
	for _, s := range statuses {
		if !s.Applied {
			fmt.Fprintf(w, "%s\tpending\t-\t-\n", s.ID)
			continue
		}
		appliedAt := "-"
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\tapplied\t%s\t%dms\n", s.ID, appliedAt, s.ExecutionMs)
	}
	return w.Flush()
}
