package cli

import (
	"fmt"

	"github.com/foreman-run/foreman/internal/recovery"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(recoverCmd)
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run the startup recovery sweeps against existing state",
	Long: `recover runs the three spec §4.7 startup sweeps against --state-dir
without touching any project config: orphaned running executions are
marked failed, before_head_commit is backfilled from the previous
process (or the base branch) on each repo, and repos still carrying the
unmigrated-name sentinel are renamed from their on-disk directory.

Use this to re-run recovery on its own, separately from "run", after an
unclean shutdown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		rec := recovery.New(st, defaultGit(), nil)
		if err := rec.Run(); err != nil {
			return fmt.Errorf("startup recovery: %w", err)
		}

		fmt.Println("startup recovery complete")
		return nil
	},
}
