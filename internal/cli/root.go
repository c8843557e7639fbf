package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var stateDir string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Orchestrate coding agent executions against a task graph",
	Long: `foreman drives the execution-orchestration core: it spawns setup
scripts, coding agents and cleanup scripts against git worktrees, advances
tasks through the todo/in_progress/testing/in_review/human_review/done
state machine, and recovers cleanly after a restart.

State (tasks, projects, repos, execution processes and their logs) is kept
as one JSON file per entity under --state-dir, the same on-disk shape the
core itself uses.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&stateDir, "state-dir", "s", ".foreman-state", "Directory holding the core's persisted state")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("foreman %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
