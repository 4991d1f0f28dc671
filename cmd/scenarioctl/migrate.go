package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"scenariolab/api/internal/store"
)

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, closeFn, err := c.open(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := store.ApplyMigrations(cmd.Context(), db, c.cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the newest applied migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			_, db, closeFn, err := c.open(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := store.RollbackMigrations(cmd.Context(), db, c.cfg.MigrationsDir, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back up to %d migration(s)\n", steps)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, closeFn, err := c.open(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			states, err := store.MigrationStatus(cmd.Context(), db, c.cfg.MigrationsDir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), states)
		},
	})
	return cmd
}
