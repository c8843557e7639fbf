package cli

import (
	"fmt"

	"github.com/foreman-run/foreman/internal/recovery"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <config-file>",
	Short: "Sync a project's config into state and run startup recovery",
	Long: `run loads a project configuration file, creates the project and its
repos in --state-dir on first sight (subsequent runs against the same
project name are no-ops over existing state), then performs the three
startup recovery sweeps (spec §4.7): orphaned running executions are
marked failed, missing before_head_commit values are backfilled, and
repo names left over from a prior migration are filled in from disk.

This is the same reconciliation a long-lived core process performs once
on boot; run it any time state may have been left mid-execution.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(args[0])
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}

		project, err := syncProject(st, cfg)
		if err != nil {
			return fmt.Errorf("syncing project: %w", err)
		}
		fmt.Printf("project %q synced (%d repo(s))\n", project.Name, len(project.RepoIDs))

		rec := recovery.New(st, defaultGit(), nil)
		if err := rec.Run(); err != nil {
			return fmt.Errorf("startup recovery: %w", err)
		}
		fmt.Println("startup recovery complete")

		return nil
	},
}
