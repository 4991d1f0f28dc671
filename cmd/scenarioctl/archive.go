package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"scenariolab/api/internal/archive"
)

func (c *cli) archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect the git mirror of scenario ledgers",
	}

	var branch string
	var limit int
	logCmd := &cobra.Command{
		Use:   "log <scenario-id>",
		Short: "List archive commits for mainline or a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.archive()
			if err != nil {
				return err
			}
			ref := archive.MainBranch
			if strings.TrimSpace(branch) != "" {
				ref = archive.BranchRef(branch)
			}
			commits, err := a.History(args[0], ref, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), commits)
		},
	}
	logCmd.Flags().StringVar(&branch, "branch", "", "branch version label such as v3-escalation (default mainline)")
	logCmd.Flags().IntVar(&limit, "limit", 20, "maximum commits to show")

	showCmd := &cobra.Command{
		Use:   "show <scenario-id> <revision>",
		Short: "Print the snapshot stored at a commit, branch or tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.archive()
			if err != nil {
				return err
			}
			data, err := a.SnapshotAt(args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}

	cmd.AddCommand(logCmd, showCmd)
	return cmd
}

func (c *cli) archive() (*archive.Archive, error) {
	if strings.TrimSpace(c.cfg.ArchiveDir) == "" {
		return nil, errors.New("ARCHIVE_DIR is not set")
	}
	return archive.New(c.cfg.ArchiveDir), nil
}
