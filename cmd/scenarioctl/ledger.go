package main

import (
	"github.com/spf13/cobra"

	"scenariolab/api/internal/app"
)

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <scenario-id>",
		Short: "List mainline versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				versions, err := svc.GetVersionHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), versions)
			})
		},
	}
}

func (c *cli) branchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branches <scenario-id>",
		Short: "List branch versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				branches, err := svc.GetBranches(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), branches)
			})
		},
	}
}

func (c *cli) compareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <from-version-id> <to-version-id>",
		Short: "Show the field diff between two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				diff, err := svc.CompareVersions(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), diff)
			})
		},
	}
}

func (c *cli) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <version-id>",
		Short: "Roll the live scenario back to a version's snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				version, err := svc.RestoreVersion(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), version)
			})
		},
	}
}

func (c *cli) mergeCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "merge <branch-version-id>",
		Short: "Promote a branch snapshot to a new mainline version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				version, err := svc.MergeBranch(cmd.Context(), args[0], summary)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), version)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "change summary for the merge version")
	return cmd
}
