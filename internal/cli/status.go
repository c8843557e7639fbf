package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foreman-run/foreman/internal/store"
	"github.com/spf13/cobra"
)

var (
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "Seconds between updates (with --follow)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show the status of every task in a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		projectID := args[0]
		if _, ok := st.GetProject(projectID); !ok {
			return fmt.Errorf("unknown project %q", projectID)
		}

		if statusFollow {
			return followStatus(st, projectID)
		}
		return renderStatus(os.Stdout, st, projectID)
	},
}

func followStatus(st *store.Store, projectID string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	var lastOutput string

	for {
		var buf bytes.Buffer
		if err := renderStatus(&buf, st, projectID); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		output := buf.String()

		if output != lastOutput {
			fmt.Print("\033[H\033[2J")
			fmt.Printf("Every %.1fs: foreman status %s\n\n", statusInterval, projectID)
			fmt.Print(output)
			lastOutput = output
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

func renderStatus(w io.Writer, st *store.Store, projectID string) error {
	tasks := st.ListTasksByProject(projectID)

	fmt.Fprintln(w, "Task Status")
	fmt.Fprintln(w, "──────────────────────────────────────")

	if len(tasks) == 0 {
		fmt.Fprintln(w, "  (no tasks)")
		return nil
	}

	for _, t := range tasks {
		symbol, color := statusDisplay(t.Status)
		fmt.Fprintf(w, "  %s%s%s  %-36s  %-12s  %s\n", color, symbol, ansiReset, t.ID, t.Status, t.Title)
	}
	return nil
}
